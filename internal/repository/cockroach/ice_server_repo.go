package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"callcore-backend/internal/domain"
)

// ICEServerRepository reads the STUN/TURN directory
type ICEServerRepository struct {
	pool *pgxpool.Pool
}

// NewICEServerRepository creates a new ICEServerRepository
func NewICEServerRepository(pool *pgxpool.Pool) *ICEServerRepository {
	return &ICEServerRepository{pool: pool}
}

// ListActive returns active, unexpired servers for region and the global
// region, highest priority first
func (r *ICEServerRepository) ListActive(ctx context.Context, region string) ([]domain.ICEServer, error) {
	query := `
		SELECT ice_server_id, urls, COALESCE(username, ''), COALESCE(credential, ''),
		       priority, server_type, region, is_active, expires_at
		FROM ice_servers
		WHERE is_active = true
		  AND (expires_at IS NULL OR expires_at > NOW())
		  AND region IN ($1, $2)
		ORDER BY priority DESC
	`

	rows, err := r.pool.Query(ctx, query, region, domain.GlobalRegion)
	if err != nil {
		return nil, fmt.Errorf("failed to list ice servers: %w", err)
	}
	defer rows.Close()

	var servers []domain.ICEServer
	for rows.Next() {
		var s domain.ICEServer
		err := rows.Scan(
			&s.ID,
			&s.URLs,
			&s.Username,
			&s.Credential,
			&s.Priority,
			&s.ServerType,
			&s.Region,
			&s.IsActive,
			&s.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ice server: %w", err)
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}
