package domain

import "time"

// SessionState is the lifecycle state of a managed session.
type SessionState string

const (
	StateInitializing      SessionState = "initializing"
	StateConnecting        SessionState = "connecting"
	StateCredentialWaiting SessionState = "credential_waiting"
	StateConnected         SessionState = "connected"
	StateDisconnected      SessionState = "disconnected"
)

// Session is the in-memory authority record for one managed connection.
// Credential and CredentialExpiresAt are always both set or both unset.
type Session struct {
	ID                  string       `json:"id"`
	State               SessionState `json:"state"`
	AccountID           string       `json:"account_id,omitempty"`
	DisplayName         string       `json:"display_name,omitempty"`
	Credential          string       `json:"credential,omitempty"`
	CredentialExpiresAt *time.Time   `json:"credential_expires_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	ConnectedAt         *time.Time   `json:"connected_at,omitempty"`
}

// CredentialExpired reports whether the session holds a credential that is
// unusable at the given instant.
func (s *Session) CredentialExpired(now time.Time) bool {
	if s.State != StateCredentialWaiting || s.CredentialExpiresAt == nil {
		return false
	}
	return !now.Before(*s.CredentialExpiresAt)
}

// Origin returns the cross-session disambiguator used in event envelopes:
// the account identifier once known, otherwise the session id.
func (s *Session) Origin() string {
	if s.AccountID != "" {
		return s.AccountID
	}
	return s.ID
}

// MetadataRecord is the durable, non-secret subset of a Session used to
// recognize and resume it across restarts.
type MetadataRecord struct {
	ID                 string     `gorm:"primaryKey;size:128" json:"id"`
	AccountID          string     `gorm:"size:128;index" json:"account_id"`
	DisplayName        string     `gorm:"size:256" json:"display_name"`
	CreatedAt          time.Time  `json:"created_at"`
	ConnectedAt        *time.Time `json:"connected_at,omitempty"`
	LastDisconnectedAt *time.Time `json:"last_disconnected_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}
