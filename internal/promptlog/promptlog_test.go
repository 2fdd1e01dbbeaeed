package promptlog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSession(t *testing.T) {
	store := kvstore.NewMemoryStore()
	log := New(store, nil)
	start := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	calls := 0
	log.now = func() time.Time {
		calls++
		return start.Add(time.Duration(calls) * time.Minute)
	}

	for want := int32(1); want <= 3; want++ {
		count, err := log.RecordSession()
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}
	assert.Equal(t, int32(3), log.PromptCount())
	assert.Equal(t, []time.Time{
		start.Add(time.Minute),
		start.Add(2 * time.Minute),
		start.Add(3 * time.Minute),
	}, log.History())
	log.Report()
}

func TestHistorySkipsGarbage(t *testing.T) {
	store := kvstore.NewMemoryStore()
	require.NoError(t, store.AppendBlob(KeyRunTime, []byte("not a time")))
	require.NoError(t, store.AppendBlob(KeyRunTime, []byte("2024-04-01T10:00:00Z")))
	assert.Len(t, New(store, nil).History(), 1)
}

func TestReporterSendsCounter(t *testing.T) {
	received := make(chan counterReport, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/log", r.URL.Path)
		var report counterReport
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&report))
		received <- report
	}))
	defer server.Close()

	reporter := NewReporter(server.URL+"/log", time.Second, nil)
	require.NoError(t, reporter.SendCounter(context.Background(), 12))
	assert.Equal(t, counterReport{Counter: 12}, <-received)
}

func TestReporterRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	assert.Error(t, NewReporter(server.URL, time.Second, nil).SendCounter(context.Background(), 1))
}
