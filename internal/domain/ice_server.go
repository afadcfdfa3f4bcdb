package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// ICEServerType is stun or turn
type ICEServerType string

const (
	ICEServerSTUN ICEServerType = "stun"
	ICEServerTURN ICEServerType = "turn"
)

// GlobalRegion matches every client region
const GlobalRegion = "global"

// ICEServer is a configured STUN/TURN server
// Maps to CockroachDB ice_servers table
type ICEServer struct {
	ID         uuid.UUID     `json:"id" db:"ice_server_id"`
	URLs       []string      `json:"urls" db:"urls"`
	Username   string        `json:"username,omitempty" db:"username"`
	Credential string        `json:"-" db:"credential"`
	Priority   int           `json:"priority" db:"priority"`
	ServerType ICEServerType `json:"serverType" db:"server_type"`
	Region     string        `json:"region" db:"region"`
	IsActive   bool          `json:"isActive" db:"is_active"`
	ExpiresAt  *time.Time    `json:"expiresAt,omitempty" db:"expires_at"`
}

// Usable reports whether the server is active and unexpired at now
func (s *ICEServer) Usable(now time.Time) bool {
	return s.IsActive && (s.ExpiresAt == nil || s.ExpiresAt.After(now))
}

// WebRTC converts the entry into the shape clients feed to RTCPeerConnection
func (s *ICEServer) WebRTC() webrtc.ICEServer {
	srv := webrtc.ICEServer{URLs: s.URLs}
	if s.ServerType == ICEServerTURN && s.Username != "" {
		srv.Username = s.Username
		srv.Credential = s.Credential
		srv.CredentialType = webrtc.ICECredentialTypePassword
	}
	return srv
}
