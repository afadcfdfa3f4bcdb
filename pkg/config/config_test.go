package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.Signaling.RingingTimeout)
	assert.Equal(t, 45*time.Second, cfg.Signaling.GroupInviteTimeout)
	assert.Equal(t, 8, cfg.Signaling.MaxGroupParticipants)
	assert.Equal(t, 300.0, cfg.Quality.RTTThresholdMs)
	assert.Equal(t, 50.0, cfg.Quality.JitterThresholdMs)
	assert.Equal(t, 5.0, cfg.Quality.PacketLossPercent)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
signaling:
  ringing_timeout: 30s
  max_group_participants: 4
ice_servers:
  - urls: ["turn:turn.example.com:3478"]
    username: user
    credential: pass
    server_type: turn
    region: eu
    priority: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("PORT", "9100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Signaling.RingingTimeout)
	assert.Equal(t, 4, cfg.Signaling.MaxGroupParticipants)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, "eu", cfg.ICEServers[0].Region)
	assert.Equal(t, 10, cfg.ICEServers[0].Priority)
}

func TestValidate_ProductionRequiresSecret(t *testing.T) {
	cfg := Default()
	cfg.Server.Environment = "production"

	assert.Error(t, cfg.Validate())

	cfg.JWT.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Push.Provider = "fcm"
	cfg.Push.FCM.ProjectID = "callcore-prod"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsTinyGroups(t *testing.T) {
	cfg := Default()
	cfg.Signaling.MaxGroupParticipants = 1
	assert.Error(t, cfg.Validate())
}

func TestLoad_PushCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
push:
  provider: apns
  apns:
    bundle_id: com.example.callcore
    key_path: /secrets/apns.p8
    key_id: ABC123DEFG
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	// Setup expectations
	t.Setenv("APNS_TEAM_ID", "TEAM123456")
	t.Setenv("APNS_PRODUCTION", "true")

	// Execute
	cfg, err := Load(path)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "com.example.callcore", cfg.Push.APNs.BundleID)
	assert.Equal(t, "TEAM123456", cfg.Push.APNs.TeamID)
	assert.True(t, cfg.Push.APNs.Production)
	assert.True(t, cfg.Push.APNs.UsesToken())
}

func TestValidate_PushProvider(t *testing.T) {
	tests := []struct {
		name    string
		push    PushConfig
		wantErr bool
	}{
		{"mock", PushConfig{Provider: "mock"}, false},
		{"fcm without project", PushConfig{Provider: "fcm"}, true},
		{"fcm", PushConfig{Provider: "fcm", FCM: FCMPushConfig{ProjectID: "p"}}, false},
		{"apns without bundle", PushConfig{Provider: "apns", APNs: APNsPushConfig{CertificatePath: "/c.p12"}}, true},
		{"apns without credentials", PushConfig{Provider: "apns", APNs: APNsPushConfig{BundleID: "b"}}, true},
		{"apns partial token", PushConfig{Provider: "apns", APNs: APNsPushConfig{BundleID: "b", KeyPath: "/k.p8"}}, true},
		{"apns certificate", PushConfig{Provider: "apns", APNs: APNsPushConfig{BundleID: "b", CertificatePath: "/c.p12"}}, false},
		{"unknown", PushConfig{Provider: "sms"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.push.Workers, tt.push.QueueSize = 1, 1
			cfg.Push = tt.push

			err := cfg.Validate()

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
