package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"callcore-backend/internal/database"
	"callcore-backend/internal/domain"
)

// QualityRepository stores quality samples in Cassandra, once per call
// (call_quality_samples, partitioned by call_id) and once per user
// (user_quality_samples, partitioned by user_id). Both cluster by recorded_at.
type QualityRepository struct {
	db *database.CassandraDB
}

// NewQualityRepository creates a new QualityRepository
func NewQualityRepository(db *database.CassandraDB) *QualityRepository {
	return &QualityRepository{db: db}
}

// Append inserts one sample into the per-call log and the per-user log in a
// single logged batch
func (r *QualityRepository) Append(ctx context.Context, sample *domain.QualitySample) error {
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}

	m := sample.Metrics
	sampleID := gocql.TimeUUID()
	values := []interface{}{
		gocql.UUID(sample.CallID),
		sample.RecordedAt,
		sampleID,
		gocql.UUID(sample.UserID),
		sample.DeviceID,
		string(sample.Category),
		m.RTT,
		m.Jitter,
		m.PacketLoss,
		m.ConnectionType,
		m.NetworkType,
		m.ICEConnectionState,
		m.FrameRate,
		m.Bitrate.Audio,
		m.Bitrate.Video,
		m.QualityScore.Audio,
		m.QualityScore.Video,
	}

	batch := r.db.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(insertSample("call_quality_samples"), values...)
	batch.Query(insertSample("user_quality_samples"), values...)

	start := time.Now()
	err := r.db.Session.ExecuteBatch(batch)
	r.db.Observe("insert", "call_quality_samples", start, err)
	if err != nil {
		return fmt.Errorf("failed to save quality sample: %w", err)
	}
	return nil
}

func insertSample(table string) string {
	return `
		INSERT INTO ` + table + ` (
			call_id, recorded_at, sample_id, user_id, device_id, call_type,
			rtt, jitter, packet_loss, connection_type, network_type, ice_state,
			frame_rate, audio_bitrate, video_bitrate, audio_score, video_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
}

// ListByCall returns every sample of a call, oldest first
func (r *QualityRepository) ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.QualitySample, error) {
	query := `SELECT ` + sampleColumns + `
		FROM call_quality_samples
		WHERE call_id = ?
		ORDER BY recorded_at ASC`
	return r.list(ctx, "call_quality_samples", query, gocql.UUID(callID))
}

// ListByUser returns the user's samples recorded at or after since, oldest
// first. user_quality_samples is partitioned by user_id, clustered by recorded_at.
func (r *QualityRepository) ListByUser(ctx context.Context, userID uuid.UUID, since time.Time) ([]*domain.QualitySample, error) {
	query := `SELECT ` + sampleColumns + `
		FROM user_quality_samples
		WHERE user_id = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC`
	return r.list(ctx, "user_quality_samples", query, gocql.UUID(userID), since)
}

const sampleColumns = `call_id, recorded_at, user_id, device_id, call_type,
		       rtt, jitter, packet_loss, connection_type, network_type, ice_state,
		       frame_rate, audio_bitrate, video_bitrate, audio_score, video_score`

func (r *QualityRepository) list(ctx context.Context, table, query string, values ...interface{}) ([]*domain.QualitySample, error) {
	start := time.Now()
	iter := r.db.Query(ctx, query, values...).Iter()

	var samples []*domain.QualitySample
	for {
		var (
			cid, uid gocql.UUID
			category string
		)
		s := &domain.QualitySample{}
		m := &s.Metrics
		if !iter.Scan(
			&cid,
			&s.RecordedAt,
			&uid,
			&s.DeviceID,
			&category,
			&m.RTT,
			&m.Jitter,
			&m.PacketLoss,
			&m.ConnectionType,
			&m.NetworkType,
			&m.ICEConnectionState,
			&m.FrameRate,
			&m.Bitrate.Audio,
			&m.Bitrate.Video,
			&m.QualityScore.Audio,
			&m.QualityScore.Video,
		) {
			break
		}
		s.CallID = uuid.UUID(cid)
		s.UserID = uuid.UUID(uid)
		s.Category = domain.CallCategory(category)
		samples = append(samples, s)
	}

	err := iter.Close()
	r.db.Observe("select", table, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quality samples: %w", err)
	}
	return samples, nil
}
