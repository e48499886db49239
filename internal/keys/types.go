package keys

import "time"

// Policy holds the lifecycle durations applied by the issuer, verifier and sweeper.
type Policy struct {
	// IssueWindow is how long an identity keeps receiving the same key.
	IssueWindow time.Duration
	// KeyLifetime is the time between issuance and expiry of a key.
	KeyLifetime time.Duration
	// BindingRetention is the age after which an identity binding is purged.
	BindingRetention time.Duration
	// SessionLifetime is the validity of a session token minted on activation.
	SessionLifetime time.Duration
	// KeyRetention is how long an expired key record is kept before deletion.
	KeyRetention time.Duration
}

// DefaultPolicy returns the production durations.
func DefaultPolicy() Policy {
	return Policy{
		IssueWindow:      24 * time.Hour,
		KeyLifetime:      9 * time.Hour,
		BindingRetention: 48 * time.Hour,
		SessionLifetime:  5 * time.Minute,
		KeyRetention:     48 * time.Hour,
	}
}

// Record is the stored state of one issued key.
type Record struct {
	Key              string     `json:"key"`
	Service          string     `json:"service"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	BoundDevice      string     `json:"boundDevice,omitempty"`
	Activated        bool       `json:"activated"`
	ActivatedAt      *time.Time `json:"activatedAt,omitempty"`
	UsesLeft         int        `json:"usesLeft"`
	IssuedToIdentity string     `json:"issuedToIdentity"`
}

// Expired reports whether the key can no longer be activated at now.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Bound reports whether a device has already claimed the key.
func (r *Record) Bound() bool {
	return r.BoundDevice != ""
}

// Binding links an identity to the last key issued to it.
type Binding struct {
	Identity      string    `json:"identity"`
	LastIssuedKey string    `json:"lastIssuedKey"`
	LastIssuedAt  time.Time `json:"lastIssuedAt"`
	Service       string    `json:"service"`
}

// InWindow reports whether the binding still blocks a new issuance.
func (b *Binding) InWindow(now time.Time, window time.Duration) bool {
	return now.Sub(b.LastIssuedAt) < window
}

// Stale reports whether the binding is old enough to be purged.
func (b *Binding) Stale(now time.Time, retention time.Duration) bool {
	return now.Sub(b.LastIssuedAt) > retention
}

// Session is a short-lived credential minted by a successful activation.
type Session struct {
	Token     string    `json:"token"`
	Key       string    `json:"key"`
	Device    string    `json:"hwid"`
	IP        string    `json:"ip,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the session is still usable at now.
func (s *Session) Valid(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Activation kinds
const (
	KindActivation   = "activation"
	KindReactivation = "reactivation"
)

// ActivationEntry is an append-only audit record of a successful verification.
type ActivationEntry struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Device    string    `json:"hwid"`
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"userAgent,omitempty"`
	Kind      string    `json:"kind"`
}

// Stats aggregates store counters for the admin report.
type Stats struct {
	TotalKeys         int64             `json:"totalKeys"`
	UsedKeys          int64             `json:"usedKeys"`
	ActiveSessions    int64             `json:"activeSessions"`
	TotalSessions     int64             `json:"totalSessions"`
	TotalActivations  int64             `json:"totalActivations"`
	TotalGenerations  int64             `json:"totalGenerations"`
	RecentActivations []ActivationEntry `json:"recentActivations"`
}
