package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"keygate/internal/keys"
)

func TestWriteWorkbook(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	entries := []keys.ActivationEntry{
		{ID: "id-2", Key: "LV-0000-02", Device: "HW2", IP: "10.0.0.2", Timestamp: now, Kind: keys.KindReactivation},
		{ID: "id-1", Key: "LL-0000-01", Device: "HW1", IP: "10.0.0.1", UserAgent: "curl/8", Timestamp: now.Add(-time.Hour), Kind: keys.KindActivation},
	}
	stats := keys.Stats{TotalKeys: 5, UsedKeys: 2, ActiveSessions: 1, TotalSessions: 3, TotalActivations: 2, TotalGenerations: 7}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, stats, entries, now))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetActivations, SheetSummary}, f.GetSheetList())

	rows, err := f.GetRows(SheetActivations)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "HWID", rows[0][3])
	assert.Equal(t, []string{"id-2", "2024-06-01T12:00:00Z", "LV-0000-02", "HW2", "10.0.0.2", "", "reactivation"}, rows[1])
	assert.Equal(t, "curl/8", rows[2][5])

	summary, err := f.GetRows(SheetSummary)
	require.NoError(t, err)
	require.Len(t, summary, 7)
	assert.Equal(t, []string{"Total keys", "5"}, summary[1])
	assert.Equal(t, []string{"Total generations", "7"}, summary[6])
}

func TestWriteEmptyLog(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, keys.Stats{}, nil, time.Now()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetActivations)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
