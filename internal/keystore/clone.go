package keystore

import "keygate/internal/keys"

// CloneRecord returns a deep copy of rec.
func CloneRecord(rec *keys.Record) *keys.Record {
	if rec == nil {
		return nil
	}
	out := *rec
	if rec.ActivatedAt != nil {
		at := *rec.ActivatedAt
		out.ActivatedAt = &at
	}
	return &out
}

// CloneBinding returns a copy of b.
func CloneBinding(b *keys.Binding) *keys.Binding {
	if b == nil {
		return nil
	}
	out := *b
	return &out
}
