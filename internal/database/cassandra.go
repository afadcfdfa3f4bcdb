package database

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"callcore-backend/pkg/config"
	"callcore-backend/pkg/metrics"
)

// DefaultCassandraQueryTimeout is the default timeout for Cassandra queries
const DefaultCassandraQueryTimeout = 5 * time.Second

// CassandraDB wraps the gocql Session with context support
type CassandraDB struct {
	Session *gocql.Session
	metrics *metrics.Metrics
}

// NewCassandraDB creates a session for the call log keyspace
func NewCassandraDB(cfg config.CassandraConfig, m *metrics.Metrics) (*CassandraDB, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.Quorum

	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	} else {
		cluster.Timeout = DefaultCassandraQueryTimeout
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}
	return &CassandraDB{Session: session, metrics: m}, nil
}

// Close closes the Cassandra session
func (c *CassandraDB) Close() {
	c.Session.Close()
}

// Query builds a query bound to ctx. Without a deadline the cluster timeout applies.
func (c *CassandraDB) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return c.Session.Query(stmt, values...).WithContext(ctx)
}

// Exec executes a write and records its latency under op/table
func (c *CassandraDB) Exec(ctx context.Context, op, table, stmt string, values ...interface{}) error {
	start := time.Now()
	err := c.Query(ctx, stmt, values...).Exec()
	c.metrics.RecordCassandraQuery(op, table, time.Since(start), err)
	return err
}

// Observe records the latency of a read performed through Query
func (c *CassandraDB) Observe(op, table string, start time.Time, err error) {
	c.metrics.RecordCassandraQuery(op, table, time.Since(start), err)
}
