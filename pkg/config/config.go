package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"callcore-backend/pkg/env"
)

// Config holds all configuration for the signaling service
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Database   DatabaseConfig    `yaml:"database"`
	Redis      RedisConfig       `yaml:"redis"`
	Cassandra  CassandraConfig   `yaml:"cassandra"`
	MinIO      MinIOConfig       `yaml:"minio"`
	JWT        JWTConfig         `yaml:"jwt"`
	Log        LogConfig         `yaml:"log"`
	Push       PushConfig        `yaml:"push"`
	Signaling  SignalingConfig   `yaml:"signaling"`
	Quality    QualityConfig     `yaml:"quality"`
	ICEServers []ICEServerConfig `yaml:"ice_servers"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Environment    string   `yaml:"env"` // development, staging, production
	ServiceName    string   `yaml:"service_name"`
	NodeID         string   `yaml:"node_id"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CassandraConfig holds Cassandra configuration for the append-only call logs
type CassandraConfig struct {
	Hosts    []string      `yaml:"hosts"`
	Keyspace string        `yaml:"keyspace"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MinIOConfig holds object storage configuration for quality reports
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string        `yaml:"secret"`
	AccessTokenExpiry time.Duration `yaml:"access_token_expiry"`
	Audience          string        `yaml:"audience"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// PushConfig holds push notification delivery configuration
type PushConfig struct {
	Provider    string         `yaml:"provider"` // mock, fcm, apns
	QueueSize   int            `yaml:"queue_size"`
	Workers     int            `yaml:"workers"`
	MaxAttempts int            `yaml:"max_attempts"`
	Backoff     time.Duration  `yaml:"backoff"`
	FCM         FCMPushConfig  `yaml:"fcm"`
	APNs        APNsPushConfig `yaml:"apns"`
}

// FCMPushConfig holds Firebase Cloud Messaging credentials
type FCMPushConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsPath string `yaml:"credentials_path"`
}

// APNsPushConfig holds Apple Push Notification service credentials.
// Token auth (key path, key ID, team ID) is preferred over a certificate.
type APNsPushConfig struct {
	BundleID            string `yaml:"bundle_id"`
	KeyPath             string `yaml:"key_path"`
	KeyID               string `yaml:"key_id"`
	TeamID              string `yaml:"team_id"`
	CertificatePath     string `yaml:"cert_path"`
	CertificatePassword string `yaml:"cert_password"`
	Production          bool   `yaml:"production"`
}

// UsesToken reports whether token based APNs auth is fully configured
func (a APNsPushConfig) UsesToken() bool {
	return a.KeyPath != "" && a.KeyID != "" && a.TeamID != ""
}

// SignalingConfig holds call lifecycle and connection limits
type SignalingConfig struct {
	MaxConnections       int           `yaml:"max_connections"`
	RingingTimeout       time.Duration `yaml:"ringing_timeout"`
	GroupInviteTimeout   time.Duration `yaml:"group_invite_timeout"`
	DisconnectGrace      time.Duration `yaml:"disconnect_grace"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	MaxGroupParticipants int           `yaml:"max_group_participants"`
	SendQueueSize        int           `yaml:"send_queue_size"`
}

// QualityConfig holds degradation thresholds
type QualityConfig struct {
	RTTThresholdMs    float64 `yaml:"rtt_threshold_ms"`
	JitterThresholdMs float64 `yaml:"jitter_threshold_ms"`
	PacketLossPercent float64 `yaml:"packet_loss_percent"`
}

// ICEServerConfig describes one STUN/TURN server offered to clients
type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
	Priority   int      `yaml:"priority"`
	ServerType string   `yaml:"server_type"` // stun, turn
	Region     string   `yaml:"region"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8083,
			Environment: "development",
			ServiceName: "signaling-service",
			AllowedOrigins: []string{
				"http://localhost:3000",
				"http://localhost:8080",
				"http://127.0.0.1:3000",
				"http://127.0.0.1:8080",
			},
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     26257,
			User:     "root",
			Database: "callcore",
			SSLMode:  "disable",
			MaxConns: 25,
			MinConns: 5,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			PoolSize: 10,
			Timeout:  5 * time.Second,
		},
		Cassandra: CassandraConfig{
			Hosts:    []string{"localhost"},
			Keyspace: "callcore",
			Timeout:  600 * time.Millisecond,
		},
		MinIO: MinIOConfig{
			Endpoint:  "localhost:9000",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Bucket:    "call-quality-reports",
		},
		JWT: JWTConfig{
			AccessTokenExpiry: 15 * time.Minute,
			Audience:          "callcore-api",
		},
		Log: LogConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "/logs/app.log",
		},
		Push: PushConfig{
			Provider:    "mock",
			QueueSize:   1024,
			Workers:     4,
			MaxAttempts: 3,
			Backoff:     500 * time.Millisecond,
		},
		Signaling: SignalingConfig{
			MaxConnections:       1000,
			RingingTimeout:       60 * time.Second,
			GroupInviteTimeout:   45 * time.Second,
			DisconnectGrace:      10 * time.Second,
			SweepInterval:        5 * time.Second,
			MaxGroupParticipants: 8,
			SendQueueSize:        256,
		},
		Quality: QualityConfig{
			RTTThresholdMs:    300,
			JitterThresholdMs: 50,
			PacketLossPercent: 5,
		},
		ICEServers: []ICEServerConfig{
			{URLs: []string{"stun:stun.l.google.com:19302"}, ServerType: "stun", Region: "global"},
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in that order of precedence (env wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = env.GetInt("PORT", c.Server.Port)
	c.Server.Environment = env.GetString("ENV", c.Server.Environment)
	c.Server.ServiceName = env.GetString("SERVICE_NAME", c.Server.ServiceName)
	c.Server.NodeID = env.GetString("NODE_ID", c.Server.NodeID)
	c.Server.AllowedOrigins = env.GetSlice("CORS_ALLOWED_ORIGINS", c.Server.AllowedOrigins)

	c.Database.Host = env.GetString("DB_HOST", c.Database.Host)
	c.Database.Port = env.GetInt("DB_PORT", c.Database.Port)
	c.Database.User = env.GetString("DB_USER", c.Database.User)
	c.Database.Password = env.GetStringFromFile("DB_PASSWORD", c.Database.Password)
	c.Database.Database = env.GetString("DB_NAME", c.Database.Database)
	c.Database.SSLMode = env.GetString("DB_SSL_MODE", c.Database.SSLMode)
	c.Database.MaxConns = env.GetInt("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = env.GetInt("DB_MIN_CONNS", c.Database.MinConns)

	c.Redis.Host = env.GetString("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = env.GetInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = env.GetStringFromFile("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = env.GetInt("REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = env.GetInt("REDIS_POOL_SIZE", c.Redis.PoolSize)
	c.Redis.Timeout = env.GetDuration("REDIS_TIMEOUT", c.Redis.Timeout)

	c.Cassandra.Hosts = env.GetSlice("CASSANDRA_HOSTS", c.Cassandra.Hosts)
	c.Cassandra.Keyspace = env.GetString("CASSANDRA_KEYSPACE", c.Cassandra.Keyspace)
	c.Cassandra.Username = env.GetString("CASSANDRA_USER", c.Cassandra.Username)
	c.Cassandra.Password = env.GetStringFromFile("CASSANDRA_PASSWORD", c.Cassandra.Password)
	c.Cassandra.Timeout = env.GetDuration("CASSANDRA_TIMEOUT", c.Cassandra.Timeout)

	c.MinIO.Endpoint = env.GetString("MINIO_ENDPOINT", c.MinIO.Endpoint)
	c.MinIO.AccessKey = env.GetStringFromFile("MINIO_ACCESS_KEY", c.MinIO.AccessKey)
	c.MinIO.SecretKey = env.GetStringFromFile("MINIO_SECRET_KEY", c.MinIO.SecretKey)
	c.MinIO.UseSSL = env.GetBool("MINIO_USE_SSL", c.MinIO.UseSSL)
	c.MinIO.Bucket = env.GetString("MINIO_BUCKET", c.MinIO.Bucket)

	c.JWT.Secret = env.GetStringFromFile("JWT_SECRET", c.JWT.Secret)
	c.JWT.AccessTokenExpiry = env.GetDuration("JWT_ACCESS_EXPIRY", c.JWT.AccessTokenExpiry)
	c.JWT.Audience = env.GetString("JWT_AUDIENCE", c.JWT.Audience)

	c.Log.Level = env.GetString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = env.GetString("LOG_FORMAT", c.Log.Format)
	c.Log.Output = env.GetString("LOG_OUTPUT", c.Log.Output)
	c.Log.FilePath = env.GetString("LOG_FILE_PATH", c.Log.FilePath)

	c.Push.Provider = env.GetString("PUSH_PROVIDER", c.Push.Provider)
	c.Push.QueueSize = env.GetInt("PUSH_QUEUE_SIZE", c.Push.QueueSize)
	c.Push.Workers = env.GetInt("PUSH_WORKERS", c.Push.Workers)
	c.Push.MaxAttempts = env.GetInt("PUSH_MAX_ATTEMPTS", c.Push.MaxAttempts)
	c.Push.Backoff = env.GetDuration("PUSH_BACKOFF", c.Push.Backoff)
	c.Push.FCM.ProjectID = env.GetString("FCM_PROJECT_ID", c.Push.FCM.ProjectID)
	c.Push.FCM.CredentialsPath = env.GetString("FCM_CREDENTIALS_PATH", c.Push.FCM.CredentialsPath)
	c.Push.APNs.BundleID = env.GetString("APNS_BUNDLE_ID", c.Push.APNs.BundleID)
	c.Push.APNs.KeyPath = env.GetString("APNS_KEY_PATH", c.Push.APNs.KeyPath)
	c.Push.APNs.KeyID = env.GetString("APNS_KEY_ID", c.Push.APNs.KeyID)
	c.Push.APNs.TeamID = env.GetString("APNS_TEAM_ID", c.Push.APNs.TeamID)
	c.Push.APNs.CertificatePath = env.GetString("APNS_CERT_PATH", c.Push.APNs.CertificatePath)
	c.Push.APNs.CertificatePassword = env.GetStringFromFile("APNS_CERT_PASSWORD", c.Push.APNs.CertificatePassword)
	c.Push.APNs.Production = env.GetBool("APNS_PRODUCTION", c.Push.APNs.Production)

	c.Signaling.MaxConnections = env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", c.Signaling.MaxConnections)
	c.Signaling.RingingTimeout = env.GetDuration("CALL_RINGING_TIMEOUT", c.Signaling.RingingTimeout)
	c.Signaling.GroupInviteTimeout = env.GetDuration("GROUP_INVITE_TIMEOUT", c.Signaling.GroupInviteTimeout)
	c.Signaling.DisconnectGrace = env.GetDuration("DISCONNECT_GRACE", c.Signaling.DisconnectGrace)
	c.Signaling.SweepInterval = env.GetDuration("SWEEP_INTERVAL", c.Signaling.SweepInterval)
	c.Signaling.MaxGroupParticipants = env.GetInt("GROUP_MAX_PARTICIPANTS", c.Signaling.MaxGroupParticipants)

	c.Quality.RTTThresholdMs = env.GetFloat("QUALITY_RTT_THRESHOLD_MS", c.Quality.RTTThresholdMs)
	c.Quality.JitterThresholdMs = env.GetFloat("QUALITY_JITTER_THRESHOLD_MS", c.Quality.JitterThresholdMs)
	c.Quality.PacketLossPercent = env.GetFloat("QUALITY_PACKET_LOSS_PERCENT", c.Quality.PacketLossPercent)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if c.Push.Provider == "mock" {
			return fmt.Errorf("PUSH_PROVIDER=mock is not allowed in production")
		}
	}
	if c.JWT.Secret != "" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.Signaling.RingingTimeout <= 0 || c.Signaling.GroupInviteTimeout <= 0 {
		return fmt.Errorf("ringing timeouts must be positive")
	}
	if c.Signaling.DisconnectGrace < 0 {
		return fmt.Errorf("disconnect grace must not be negative")
	}
	if c.Signaling.MaxGroupParticipants < 2 {
		return fmt.Errorf("group calls need room for at least 2 participants")
	}
	if c.Push.Workers < 1 || c.Push.QueueSize < 1 {
		return fmt.Errorf("push queue needs at least one worker and one slot")
	}
	if err := c.Push.validate(); err != nil {
		return err
	}
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice_servers[%d] has no urls", i)
		}
	}
	return nil
}

func (p PushConfig) validate() error {
	switch p.Provider {
	case "mock":
		return nil
	case "fcm":
		if p.FCM.ProjectID == "" {
			return fmt.Errorf("FCM_PROJECT_ID is required for the fcm push provider")
		}
		return nil
	case "apns":
		if p.APNs.BundleID == "" {
			return fmt.Errorf("APNS_BUNDLE_ID is required for the apns push provider")
		}
		if !p.APNs.UsesToken() && p.APNs.CertificatePath == "" {
			return fmt.Errorf("apns push provider needs APNS_KEY_PATH, APNS_KEY_ID and APNS_TEAM_ID or APNS_CERT_PATH")
		}
		return nil
	default:
		return fmt.Errorf("unknown push provider %q", p.Provider)
	}
}

// Addr returns host:port of the Redis server
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
