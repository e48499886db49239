package keys

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixFor(t *testing.T) {
	tests := []struct {
		service string
		want    string
	}{
		{"lootlabs", "LL"},
		{"  LootLabs ", "LL"},
		{"linkvertise", "LV"},
		{"LINKVERTISE", "LV"},
		{"direct", "CEVEX"},
		{"", "CEVEX"},
		{"workink", "CEVEX"},
	}

	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			assert.Equal(t, tt.want, PrefixFor(tt.service))
		})
	}
}

func TestNormalizeService(t *testing.T) {
	assert.Equal(t, "direct", NormalizeService(""))
	assert.Equal(t, "direct", NormalizeService("   "))
	assert.Equal(t, "lootlabs", NormalizeService(" LootLabs"))
}

func TestGenerate(t *testing.T) {
	t.Run("deterministic reader", func(t *testing.T) {
		key, err := Generate(bytes.NewReader([]byte{0xab, 0x12, 0x9f}), PrefixLootLabs)
		require.NoError(t, err)
		assert.Equal(t, "LL-AB12-9F", key)
	})

	t.Run("crypto reader matches grammar", func(t *testing.T) {
		for _, prefix := range []string{PrefixLootLabs, PrefixLinkvertise, PrefixDefault} {
			for i := 0; i < 50; i++ {
				key, err := Generate(nil, prefix)
				require.NoError(t, err)
				assert.NoError(t, Validate(key), key)
				assert.Regexp(t, "^"+prefix+"-", key)
			}
		}
	})

	t.Run("short reader", func(t *testing.T) {
		_, err := Generate(bytes.NewReader([]byte{0x01}), PrefixDefault)
		assert.Error(t, err)
	})
}

func TestNormalizeAndValidate(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"already canonical", "LL-AB12-9F", "LL-AB12-9F", false},
		{"lower case", "lv-ab12-9f", "LV-AB12-9F", false},
		{"embedded whitespace", " cevex - 00ff -\t1a \n", "CEVEX-00FF-1A", false},
		{"unknown prefix", "XX-AB12-9F", "XX-AB12-9F", true},
		{"not hex", "LL-GHIJ-9F", "LL-GHIJ-9F", true},
		{"short group", "LL-AB1-9F", "LL-AB1-9F", true},
		{"free text", "not-a-key", "NOT-A-KEY", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.raw)
			assert.Equal(t, tt.want, got)
			err := Validate(got)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidFormat))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMask(t *testing.T) {
	assert.Equal(t, "LL-****-9F", Mask("LL-AB12-9F"))
	assert.Equal(t, "CEVEX-****-01", Mask("CEVEX-0000-01"))
	assert.Equal(t, "****", Mask("abc"))
	assert.Equal(t, "ga****", Mask("garbage"))

	assert.Equal(t, "HW-1****", MaskDevice("HW-1234567"))
	assert.Equal(t, "****", MaskDevice("HW1"))
}

func TestStorageError(t *testing.T) {
	cause := errors.New("connection refused")
	err := StorageError("get key", cause)

	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "get key")
	assert.Nil(t, StorageError("noop", nil))
}

func TestIsVerificationFailure(t *testing.T) {
	assert.True(t, IsVerificationFailure(ErrExpired))
	assert.True(t, IsVerificationFailure(ErrDeviceMismatch))
	assert.False(t, IsVerificationFailure(ErrStorageUnavailable))
	assert.False(t, IsVerificationFailure(nil))
}

func TestRecordAndBindingPredicates(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{ExpiresAt: now.Add(time.Hour)}
	assert.False(t, rec.Expired(now))
	assert.False(t, rec.Expired(now.Add(time.Hour)))
	assert.True(t, rec.Expired(now.Add(time.Hour+time.Nanosecond)))
	assert.False(t, rec.Bound())

	b := Binding{LastIssuedAt: now}
	policy := DefaultPolicy()
	assert.True(t, b.InWindow(now.Add(23*time.Hour), policy.IssueWindow))
	assert.False(t, b.InWindow(now.Add(24*time.Hour), policy.IssueWindow))
	assert.False(t, b.Stale(now.Add(48*time.Hour), policy.BindingRetention))
	assert.True(t, b.Stale(now.Add(48*time.Hour+time.Second), policy.BindingRetention))

	s := Session{ExpiresAt: now.Add(policy.SessionLifetime)}
	assert.True(t, s.Valid(now))
	assert.False(t, s.Valid(now.Add(policy.SessionLifetime)))
}
