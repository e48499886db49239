package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"keygate/internal/activation"
	"keygate/internal/identity"
	"keygate/internal/issuer"
	"keygate/internal/keys"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newKeyServer(svc *mockKeyService) http.Handler {
	return NewKeyHandler(svc, 9*time.Hour, nil, quietLogger()).Routes()
}

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "203.0.113.7:51000"
	req.Header.Set("User-Agent", "keygate-test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestIssueNewKey(t *testing.T) {
	svc := &mockKeyService{}
	svc.On("Issue", mock.Anything, mock.MatchedBy(func(s identity.Signals) bool {
		return s.ClickID == "abc123" && s.ClientIP == "203.0.113.7"
	}), "lootlabs").Return(&issuer.Result{
		Key: "LL-1A2B-3C", Service: "lootlabs", CreatedAt: t0, ExpiresAt: t0.Add(9 * time.Hour),
	}, nil)

	rec, body := get(t, newKeyServer(svc), "/key?service=lootlabs&clickid=abc123")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "LL-1A2B-3C", body["key"])
	assert.Equal(t, "2024-06-01T21:00:00.000Z", body["expires"])
	assert.Equal(t, false, body["existing"])
	assert.Equal(t, "Valid for 9 hours", body["message"])
	svc.AssertExpectations(t)
}

func TestIssueExistingKey(t *testing.T) {
	svc := &mockKeyService{}
	svc.On("Issue", mock.Anything, mock.Anything, "").Return(&issuer.Result{
		Key: "LV-0F0F-01", CreatedAt: t0, ExpiresAt: t0.Add(9 * time.Hour), Existing: true,
	}, nil)

	_, body := get(t, newKeyServer(svc), "/key")
	assert.Equal(t, true, body["existing"])
	assert.Equal(t, MsgExistingKey, body["message"])
}

func TestIssueServerError(t *testing.T) {
	svc := &mockKeyService{}
	svc.On("Issue", mock.Anything, mock.Anything, mock.Anything).Return(nil, keys.ErrCollisionRetryExhausted)

	rec, body := get(t, newKeyServer(svc), "/key?service=cevex")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, MsgServerError, body["message"])
}

func TestIssueRejectsOversizedParams(t *testing.T) {
	svc := &mockKeyService{}
	rec, _ := get(t, newKeyServer(svc), "/key?clickid="+strings.Repeat("x", 300))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything, mock.Anything)
}

func TestVerifyParameters(t *testing.T) {
	svc := &mockKeyService{}
	h := newKeyServer(svc)

	for _, target := range []string{"/verify", "/verify?key=LL-1A2B-3C", "/verify?hwid=HW1"} {
		rec, body := get(t, h, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Equal(t, MsgMissingParams, body["message"], target)
	}

	rec, body := get(t, h, "/verify?key=LL-1A2B-3C&hwid="+strings.Repeat("h", 300))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, MsgInvalidParams, body["message"])

	svc.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
}

func TestVerifyOverlongKeyIsInvalidKey(t *testing.T) {
	long := "LL-" + strings.Repeat("A", 100)
	svc := &mockKeyService{}
	svc.On("Verify", mock.Anything, mock.MatchedBy(func(req activation.Request) bool {
		return req.RawKey == long
	})).Return(nil, keys.ErrInvalidFormat)

	rec, body := get(t, newKeyServer(svc), "/verify?key="+long+"&hwid=HW1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, MsgInvalidKey, body["message"])
	svc.AssertExpectations(t)
}

func TestVerifyFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"invalid format", keys.ErrInvalidFormat, http.StatusOK, MsgInvalidKey},
		{"not found", keys.ErrNotFound, http.StatusOK, MsgInvalidKey},
		{"expired", keys.ErrExpired, http.StatusOK, "Key expired (9h limit)"},
		{"device mismatch", keys.ErrDeviceMismatch, http.StatusOK, MsgDeviceMismatch},
		{"blocked", keys.ErrTooManyAttempts, http.StatusTooManyRequests, MsgTooManyAttempts},
		{"storage", keys.StorageError("modify key", errors.New("timeout")), http.StatusInternalServerError, MsgServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockKeyService{}
			svc.On("Verify", mock.Anything, mock.Anything).Return(nil, tt.err)

			rec, body := get(t, newKeyServer(svc), "/verify?key=LL-1A2B-3C&hwid=HW1")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.message, body["message"])
		})
	}
}

func TestVerifySuccess(t *testing.T) {
	session := &keys.Session{Token: strings.Repeat("ab", 32), ExpiresAt: t0.Add(5 * time.Minute)}

	svc := &mockKeyService{}
	svc.On("Verify", mock.Anything, activation.Request{
		RawKey: " ll-1a2b-3c", Device: "HW1", IP: "203.0.113.7", UserAgent: "keygate-test",
	}).Return(&activation.Result{
		Key: "LL-1A2B-3C", Device: "HW1", FirstActivation: true,
		ExpiresAt: t0.Add(9 * time.Hour), TimeLeft: 9 * time.Hour, Session: session,
	}, nil).Once()
	svc.On("Verify", mock.Anything, mock.Anything).Return(&activation.Result{
		Key: "LL-1A2B-3C", Device: "HW1",
		ExpiresAt: t0.Add(9 * time.Hour), TimeLeft: 2*time.Hour + time.Minute, Session: session,
	}, nil).Once()

	h := newKeyServer(svc)
	rec, body := get(t, h, "/verify?key=%20ll-1a2b-3c&hwid=HW1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, MsgActivated, body["message"])
	assert.Equal(t, "9h", body["timeLeft"])
	assert.Equal(t, session.Token, body["session"])
	assert.Equal(t, "2024-06-01T12:05:00.000Z", body["sessionExpires"])

	_, body = get(t, h, "/verify?key=LL-1A2B-3C&hwid=HW1")
	assert.Equal(t, MsgAccessGranted, body["message"])
	assert.Equal(t, "3h", body["timeLeft"])
	svc.AssertExpectations(t)
}

func TestSession(t *testing.T) {
	token := strings.Repeat("0f", 32)
	svc := &mockKeyService{}
	svc.On("Session", mock.Anything, token).Return(&keys.Session{
		Token: token, Key: "LL-1A2B-3C", Device: "HW1", ExpiresAt: t0.Add(5 * time.Minute),
	}, nil).Once()
	svc.On("Session", mock.Anything, token).Return(nil, keys.ErrSessionNotFound).Once()
	svc.On("Session", mock.Anything, token).Return(nil, keys.StorageError("get session", errors.New("eof"))).Once()
	h := newKeyServer(svc)

	rec, body := get(t, h, "/session?token="+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "HW1", body["hwid"])

	rec, body = get(t, h, "/session?token="+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "session not found or expired", body["reason"])

	rec, _ = get(t, h, "/session?token="+token)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec, body = get(t, h, "/session")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing token", body["reason"])

	rec, body = get(t, h, "/session?token=not-hex")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid token", body["reason"])
	svc.AssertExpectations(t)
}
