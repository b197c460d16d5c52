package georide

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/tripsync/internal/pkg/errdefs"
	"github.com/autopeer-io/tripsync/pkg/options"
)

type fakeAPI struct {
	t          *testing.T
	logins     atomic.Int32
	token      func() string
	rejectNext atomic.Int32
	handler    http.HandlerFunc
}

func newFakeAPI(t *testing.T, handler http.HandlerFunc) (*fakeAPI, *httptest.Server) {
	api := &fakeAPI{t: t, handler: handler, token: func() string { return "tok" }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/user/login" {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "rider@example.com", r.PostForm.Get("email"))
			api.logins.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{"authToken": api.token()})
			return
		}
		if api.rejectNext.Load() > 0 {
			api.rejectNext.Add(-1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer "+api.token(), r.Header.Get("Authorization"))
		api.handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return api, srv
}

func newTestClient(t *testing.T, srv *httptest.Server, opt ...Option) *Client {
	opts := options.NewGeoRideOptions()
	opts.BaseURL = srv.URL
	opts.Email = "rider@example.com"
	opts.Password = "secret"
	opts.RequestsPerSecond = 1000
	opts.Burst = 100

	c, err := NewClient(opts, opt...)
	require.NoError(t, err)
	return c
}

func TestListTrackers(t *testing.T) {
	api, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user/trackers", r.URL.Path)
		_, _ = io.WriteString(w, `[{"trackerId": 12345, "trackerName": "MT-07", "status": "online",
			"isLocked": true, "isInEco": false, "externalBatteryVoltage": 12.6, "activationDate": "2021-04-01T08:00:00.000Z"}]`)
	})
	c := newTestClient(t, srv)

	trackers, err := c.ListTrackers(context.Background())
	require.NoError(t, err)
	require.Len(t, trackers, 1)

	tr := trackers[0]
	assert.Equal(t, ID("12345"), tr.TrackerID)
	assert.True(t, tr.Online())
	assert.True(t, tr.IsLocked)
	assert.InDelta(t, 12.6, tr.ExternalBatteryVoltage, 1e-9)
	assert.Equal(t, 2021, tr.ActivationDate.Year())
	assert.EqualValues(t, 1, api.logins.Load())
}

func TestListTripsQueryAndConversions(t *testing.T) {
	_, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tracker/42/trips", r.URL.Path)
		assert.Equal(t, "20250301T000000", r.URL.Query().Get("from"))
		assert.Equal(t, "20250331T120000", r.URL.Query().Get("to"))
		_, _ = io.WriteString(w, `[{"id": 9, "trackerId": 42, "distance": 12500, "duration": 1800000,
			"averageSpeed": 20, "maxSpeed": 50, "startTime": "2025-03-30T10:00:00Z", "endTime": "2025-03-30T10:30:00Z",
			"startAddress": "A", "endAddress": "B"}]`)
	})
	c := newTestClient(t, srv)

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)
	trips, err := c.ListTrips(context.Background(), "42", from, to)
	require.NoError(t, err)
	require.Len(t, trips, 1)

	trip := trips[0]
	assert.InDelta(t, 12.5, trip.DistanceKm(), 1e-9)
	assert.Equal(t, 30*time.Minute, trip.DurationTime())
	assert.InDelta(t, 37.04, trip.AverageSpeedKmh(), 1e-9)
	assert.InDelta(t, 92.6, trip.MaxSpeedKmh(), 1e-9)
	assert.InDelta(t, 12.5, LifetimeKm(trips), 1e-9)
}

func TestReloginOnceOn401(t *testing.T) {
	api, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})
	c := newTestClient(t, srv)
	require.NoError(t, c.Login(context.Background()))

	api.rejectNext.Store(1)
	_, err := c.ListTrackers(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, api.logins.Load())
	assert.False(t, c.SessionFailed())
}

func TestRepeated401IsAuthFailure(t *testing.T) {
	api, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})
	c := newTestClient(t, srv)

	api.rejectNext.Store(2)
	_, err := c.ListTrackers(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsAuth(err))
	assert.True(t, c.SessionFailed())

	// The next successful login clears the failure.
	require.NoError(t, c.Login(context.Background()))
	assert.False(t, c.SessionFailed())
}

func TestServerErrorsAreTransient(t *testing.T) {
	_, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(t, srv)

	_, err := c.ListTrackers(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))
	assert.True(t, errdefs.IsRetryable(err))
}

func TestTripPositionsWrappedAndFiltered(t *testing.T) {
	_, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tracker/42/trip/9/positions", r.URL.Path)
		_, _ = io.WriteString(w, `{"positions": [
			{"latitude": 45.1, "longitude": 5.7, "radius": 8, "speed": 10, "fixtime": "2025-03-30T10:00:00Z"},
			{"latitude": 45.2, "longitude": 5.8, "radius": 120, "speed": 12, "fixtime": "2025-03-30T10:01:00Z"}
		]}`)
	})
	c := newTestClient(t, srv)

	positions, err := c.TripPositions(context.Background(), "42", "9")
	require.NoError(t, err)
	require.Len(t, positions, 2)

	filtered := NewPrecisionFilter(50).Filter(positions)
	require.Len(t, filtered, 1)
	assert.InDelta(t, 45.1, filtered[0].Latitude, 1e-9)
}

func TestCommands(t *testing.T) {
	var calls []string
	_, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/tracker/42/eco" {
			var body map[string]bool
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.True(t, body["isInEco"])
		}
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.SetEcoMode(ctx, "42", true))
	require.NoError(t, c.SetLock(ctx, "42", true))
	require.NoError(t, c.SetLock(ctx, "42", false))
	require.NoError(t, c.SilenceAlarm(ctx, "42"))

	assert.Equal(t, []string{
		"PUT /tracker/42/eco",
		"POST /tracker/42/lock",
		"POST /tracker/42/unlock",
		"POST /tracker/42/sonor-alarm/off",
	}, calls)
}

func TestTokenRenewedBeforeExpiry(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	api, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})
	api.token = func() string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"exp": clk.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte("test"))
		require.NoError(t, err)
		return tok
	}
	c := newTestClient(t, srv, WithClock(clk))
	ctx := context.Background()

	_, err := c.ListTrackers(ctx)
	require.NoError(t, err)
	_, err = c.ListTrackers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, api.logins.Load())

	clk.SetTime(clk.Now().Add(59*time.Minute + 30*time.Second))
	_, err = c.ListTrackers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, api.logins.Load())
}

func TestIDUnmarshal(t *testing.T) {
	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 12, "b": "34", "c": null}`), &v))
	assert.Equal(t, ID("12"), v.A)
	assert.Equal(t, ID("34"), v.B)
	assert.Equal(t, ID(""), v.C)
}

func TestNewest(t *testing.T) {
	trips := []TripSummary{
		{ID: "1", EndTime: Timestamp{time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}},
		{ID: "3", EndTime: Timestamp{time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)}},
		{ID: "2", EndTime: Timestamp{time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)}},
	}
	newest, ok := Newest(trips)
	require.True(t, ok)
	assert.Equal(t, ID("3"), newest.ID)

	_, ok = Newest(nil)
	assert.False(t, ok)
}
