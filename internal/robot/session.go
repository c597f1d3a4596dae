package robot

import (
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"
)

// Session is the user and config association of one robot. It stores only;
// the Machine decides when it may change.
type Session struct {
	user          string
	config        []byte
	configDigest  [32]byte
	configVersion uint32
	updatedAt     time.Time
}

// SessionSnapshot is a read-only copy of a Session.
type SessionSnapshot struct {
	User          string    `json:"user,omitempty"`
	HasUser       bool      `json:"has_user"`
	ConfigVersion uint32    `json:"config_version"`
	ConfigBytes   int       `json:"config_bytes"`
	ConfigDigest  string    `json:"config_digest,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}

func (s *Session) User() (string, bool) {
	return s.user, s.user != ""
}

func (s *Session) ConfigVersion() uint32 {
	return s.configVersion
}

// Config returns a copy of the current config blob.
func (s *Session) Config() []byte {
	if s.config == nil {
		return nil
	}
	return append([]byte(nil), s.config...)
}

func (s *Session) SetUser(id string, now time.Time) {
	s.user = id
	s.updatedAt = now
}

// SetConfig stores blob and returns the new config version.
func (s *Session) SetConfig(blob []byte, now time.Time) uint32 {
	s.config = append([]byte(nil), blob...)
	s.configDigest = blake3.Sum256(s.config)
	s.configVersion++
	s.updatedAt = now
	return s.configVersion
}

// Clear drops the user and config association.
func (s *Session) Clear(now time.Time) {
	*s = Session{updatedAt: now}
}

func (s *Session) Snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		User:          s.user,
		HasUser:       s.user != "",
		ConfigVersion: s.configVersion,
		ConfigBytes:   len(s.config),
		UpdatedAt:     s.updatedAt,
	}
	if s.config != nil {
		snap.ConfigDigest = hex.EncodeToString(s.configDigest[:])
	}
	return snap
}
