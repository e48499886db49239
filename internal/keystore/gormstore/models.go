package gormstore

import (
	"time"

	"keygate/internal/keys"
)

type keyRow struct {
	Key              string    `gorm:"primaryKey;size:16"`
	Service          string    `gorm:"size:64;not null"`
	CreatedAt        time.Time `gorm:"not null"`
	ExpiresAt        time.Time `gorm:"not null;index"`
	BoundDevice      string    `gorm:"size:256"`
	Activated        bool      `gorm:"not null;index"`
	ActivatedAt      *time.Time
	UsesLeft         int    `gorm:"not null"`
	IssuedToIdentity string `gorm:"size:128;not null"`
}

func (keyRow) TableName() string { return "key_records" }

func newKeyRow(r *keys.Record) *keyRow {
	row := &keyRow{
		Key:              r.Key,
		Service:          r.Service,
		CreatedAt:        r.CreatedAt.UTC(),
		ExpiresAt:        r.ExpiresAt.UTC(),
		BoundDevice:      r.BoundDevice,
		Activated:        r.Activated,
		UsesLeft:         r.UsesLeft,
		IssuedToIdentity: r.IssuedToIdentity,
	}
	if r.ActivatedAt != nil {
		at := r.ActivatedAt.UTC()
		row.ActivatedAt = &at
	}
	return row
}

func (row *keyRow) record() *keys.Record {
	rec := &keys.Record{
		Key:              row.Key,
		Service:          row.Service,
		CreatedAt:        row.CreatedAt.UTC(),
		ExpiresAt:        row.ExpiresAt.UTC(),
		BoundDevice:      row.BoundDevice,
		Activated:        row.Activated,
		UsesLeft:         row.UsesLeft,
		IssuedToIdentity: row.IssuedToIdentity,
	}
	if row.ActivatedAt != nil {
		at := row.ActivatedAt.UTC()
		rec.ActivatedAt = &at
	}
	return rec
}

// bindingRow with an empty LastIssuedKey is a lock placeholder and reads as absent.
type bindingRow struct {
	Identity      string    `gorm:"primaryKey;size:128"`
	LastIssuedKey string    `gorm:"size:16"`
	LastIssuedAt  time.Time `gorm:"index"`
	Service       string    `gorm:"size:64"`
}

func (bindingRow) TableName() string { return "identity_bindings" }

func (row *bindingRow) binding() *keys.Binding {
	if row.LastIssuedKey == "" {
		return nil
	}
	return &keys.Binding{
		Identity:      row.Identity,
		LastIssuedKey: row.LastIssuedKey,
		LastIssuedAt:  row.LastIssuedAt.UTC(),
		Service:       row.Service,
	}
}

type sessionRow struct {
	Token     string    `gorm:"primaryKey;size:64"`
	Key       string    `gorm:"size:16;index;not null"`
	Device    string    `gorm:"size:256;not null"`
	IP        string    `gorm:"size:64"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (sessionRow) TableName() string { return "session_tokens" }

type activationRow struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	ID        string    `gorm:"size:32;uniqueIndex"`
	Key       string    `gorm:"size:16;index;not null"`
	Device    string    `gorm:"size:256;not null"`
	Timestamp time.Time `gorm:"not null;index"`
	IP        string    `gorm:"size:64"`
	UserAgent string    `gorm:"size:512"`
	Kind      string    `gorm:"size:16;not null"`
}

func (activationRow) TableName() string { return "activation_audits" }

func (row *activationRow) entry() keys.ActivationEntry {
	return keys.ActivationEntry{
		ID:        row.ID,
		Key:       row.Key,
		Device:    row.Device,
		Timestamp: row.Timestamp.UTC(),
		IP:        row.IP,
		UserAgent: row.UserAgent,
		Kind:      row.Kind,
	}
}

// issuanceRow logs every minted key; its row count is the generation total.
type issuanceRow struct {
	Seq      uint64    `gorm:"primaryKey;autoIncrement"`
	Key      string    `gorm:"size:16;not null"`
	Identity string    `gorm:"size:128"`
	Service  string    `gorm:"size:64"`
	IssuedAt time.Time `gorm:"not null;index"`
}

func (issuanceRow) TableName() string { return "issuance_events" }
