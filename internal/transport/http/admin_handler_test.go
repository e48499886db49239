package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"keygate/internal/keys"
	"keygate/internal/report"
	"keygate/internal/sweeper"
)

var errDB = keys.StorageError("stats", errors.New("pq: connection refused"))

func newAdminServer(svc *mockKeyService, feed http.Handler) http.Handler {
	return NewAdminHandler(svc, feed, nil, quietLogger()).Routes()
}

func TestAdminStats(t *testing.T) {
	svc := &mockKeyService{}
	svc.On("Stats", mock.Anything).Return(&keys.Stats{
		TotalKeys: 3, UsedKeys: 2, ActiveSessions: 1, TotalActivations: 4, TotalGenerations: 3,
		RecentActivations: []keys.ActivationEntry{{Key: "LL-1A2B-3C", Device: "HW1", Timestamp: t0, IP: "1.2.3.4"}},
	}, nil).Once()
	svc.On("Stats", mock.Anything).Return(nil, errDB).Once()
	h := newAdminServer(svc, nil)

	rec, body := get(t, h, "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["totalKeys"])
	assert.EqualValues(t, 2, body["usedKeys"])
	assert.Len(t, body["recentActivations"], 1)

	rec, body = get(t, h, "/stats")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Database error", body["error"])
}

func TestAdminActivations(t *testing.T) {
	svc := &mockKeyService{}
	svc.On("Activations", mock.Anything, 25).Return([]keys.ActivationEntry{{Key: "LL-1A2B-3C"}}, nil)
	h := newAdminServer(svc, nil)

	rec, body := get(t, h, "/activations?limit=25")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, _ = get(t, h, "/activations?limit=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNumberOfCalls(t, "Activations", 1)
}

func TestAdminExport(t *testing.T) {
	svc := &mockKeyService{}
	svc.On("ExportActivations", mock.Anything, mock.Anything, DefaultExportLimit).Return(nil, "PK-workbook").Once()
	svc.On("ExportActivations", mock.Anything, mock.Anything, 5).Return(errDB).Once()
	h := newAdminServer(svc, nil)

	rec, _ := get(t, h, "/activations.xlsx")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, report.ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment; filename=\"activations-")
	assert.Equal(t, "PK-workbook", rec.Body.String())

	rec, body := get(t, h, "/activations.xlsx?limit=5")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Database error", body["error"])

	rec, _ = get(t, h, "/activations.xlsx?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

func TestAdminSweep(t *testing.T) {
	svc := &mockKeyService{}
	svc.On("Sweep", mock.Anything).Return(sweeper.Report{Bindings: 2, Sessions: 1}, nil)
	h := newAdminServer(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/sweep", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"bindings":2,"keys":0,"sessions":1,"pruned":0,"duration":0}`, rec.Body.String())
}

func TestAdminFeedRoute(t *testing.T) {
	feed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec, _ := get(t, newAdminServer(&mockKeyService{}, feed), "/feed")
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec, _ = get(t, newAdminServer(&mockKeyService{}, nil), "/feed")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
