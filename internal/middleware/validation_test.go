package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "keygate/internal/errors"
)

type verifyParams struct {
	Key  string `query:"key" validate:"required,max=64"`
	HWID string `query:"hwid" validate:"required,max=256,devicetoken"`
}

func TestValidatorStruct(t *testing.T) {
	v := NewValidator()

	require.NoError(t, v.Struct(verifyParams{Key: "LL-1A2B-3C", HWID: "HW1"}))

	err := v.Struct(verifyParams{})
	var apiErr *apierrors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	details := apiErr.Details.([]apierrors.ValidationError)
	require.Len(t, details, 2)
	assert.Equal(t, "key", details[0].Field)
	assert.Equal(t, "key is required", details[0].Message)
	assert.True(t, MissingFields(err))

	err = v.Struct(verifyParams{Key: "LL-1A2B-3C", HWID: "bad\x00device"})
	require.Error(t, err)
	assert.False(t, MissingFields(err))
	assert.Contains(t, err.(*apierrors.APIError).Details.([]apierrors.ValidationError)[0].Message, "control characters")
}

func TestMissingFieldsOnOtherErrors(t *testing.T) {
	assert.False(t, MissingFields(nil))
	assert.False(t, MissingFields(errors.New("boom")))
	assert.False(t, MissingFields(apierrors.ErrRateLimitExceeded))
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 100, false},
		{"limit=25", 25, false},
		{"limit=0", 0, true},
		{"limit=5000", 0, true},
		{"limit=ten", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/activations.xlsx?"+tt.query, nil)
			got, err := QueryInt(req, "limit", 1, 1000, 100)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
