package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/tripsync/internal/engine"
)

func TestFetchTrackersAndTable(t *testing.T) {
	views := []engine.TrackerView{{
		ID:          "42",
		Name:        "Tiger",
		CorrectedKm: 12345.6,
		Due:         map[string]bool{engine.DueOil: true, engine.DueChain: true, engine.DueFuelLow: false},
	}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/trackers", r.URL.Path)
		_ = json.NewEncoder(w).Encode(views)
	}))
	defer srv.Close()

	got, err := fetchTrackers(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Len(t, got, 1)

	out := trackersTable(got).String()
	assert.Contains(t, out, "Tiger")
	assert.Contains(t, out, "12345.6 km")
	assert.Contains(t, out, "maintenance:chain,maintenance:oil")
}

func TestFetchTrackersError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "degraded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := fetchTrackers(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "503")
}

func TestDueListEmpty(t *testing.T) {
	assert.Equal(t, "-", dueList(map[string]bool{engine.DueOil: false}))
}
