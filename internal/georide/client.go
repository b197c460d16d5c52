package georide

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/tripsync/internal/pkg/errdefs"
	"github.com/autopeer-io/tripsync/pkg/log"
	"github.com/autopeer-io/tripsync/pkg/options"
)

// tokenRefreshMargin renews the session this long before the token expires.
const tokenRefreshMargin = time.Minute

// Client is an authenticated GeoRide REST client. It is safe for concurrent use.
type Client struct {
	baseURL  *url.URL
	email    string
	password string

	http    *http.Client
	limiter *rate.Limiter
	clock   clock.PassiveClock

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	// sessionFailed is set when a re-login was rejected and cleared by the next successful login.
	sessionFailed atomic.Bool
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock replaces the clock used for token expiry.
func WithClock(clk clock.PassiveClock) Option {
	return func(c *Client) { c.clock = clk }
}

// NewClient creates a client from the account options. It does not log in.
func NewClient(opts *options.GeoRideOptions, opt ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid georide base url: %w", err)
	}

	c := &Client{
		baseURL:  u,
		email:    opts.Email,
		password: opts.Password,
		http:     &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		clock:    clock.RealClock{},
	}
	for _, o := range opt {
		o(c)
	}
	return c, nil
}

type loginResponse struct {
	AuthToken string `json:"authToken"`
}

// Login opens a new session.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	form := url.Values{}
	form.Set("email", c.email)
	form.Set("password", c.password)

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/user/login"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Transient("login: %v", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus("login", resp); err != nil {
		if errdefs.IsAuth(err) {
			c.sessionFailed.Store(true)
		}
		return err
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return errdefs.Transient("login: decode response: %v", err)
	}
	if lr.AuthToken == "" {
		c.sessionFailed.Store(true)
		return errdefs.Auth("login: empty auth token")
	}

	c.token = lr.AuthToken
	c.expiresAt = tokenExpiry(lr.AuthToken)
	c.sessionFailed.Store(false)

	log.Debug("Logged in to GeoRide", "expiresAt", c.expiresAt)
	return nil
}

// Token returns a valid session token, logging in when none is held or it is about to expire.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && (c.expiresAt.IsZero() || c.clock.Now().Before(c.expiresAt.Add(-tokenRefreshMargin))) {
		return c.token, nil
	}
	if err := c.loginLocked(ctx); err != nil {
		return "", err
	}
	return c.token, nil
}

// Invalidate drops the current token so the next call logs in again.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// SessionFailed reports whether the last re-authentication was rejected.
func (c *Client) SessionFailed() bool {
	return c.sessionFailed.Load()
}

// ListTrackers returns every tracker of the account.
func (c *Client) ListTrackers(ctx context.Context) ([]TrackerStatus, error) {
	var out []TrackerStatus
	if err := c.do(ctx, http.MethodGet, "/user/trackers", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListTrips returns the trips of a tracker between from and to.
func (c *Client) ListTrips(ctx context.Context, trackerID string, from, to time.Time) ([]TripSummary, error) {
	q := url.Values{}
	q.Set("from", formatTripsTime(from))
	q.Set("to", formatTripsTime(to))

	var out []TripSummary
	if err := c.do(ctx, http.MethodGet, "/tracker/"+url.PathEscape(trackerID)+"/trips", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TripPositions returns the GPS fixes of one trip.
func (c *Client) TripPositions(ctx context.Context, trackerID, tripID string) ([]Position, error) {
	path := fmt.Sprintf("/tracker/%s/trip/%s/positions", url.PathEscape(trackerID), url.PathEscape(tripID))

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &raw); err != nil {
		return nil, err
	}
	return decodePositions(raw)
}

// SetEcoMode switches the tracker's eco mode.
func (c *Client) SetEcoMode(ctx context.Context, trackerID string, on bool) error {
	body := map[string]bool{"isInEco": on}
	return c.do(ctx, http.MethodPut, "/tracker/"+url.PathEscape(trackerID)+"/eco", nil, body, nil)
}

// SetLock locks or unlocks the tracker.
func (c *Client) SetLock(ctx context.Context, trackerID string, locked bool) error {
	action := "unlock"
	if locked {
		action = "lock"
	}
	return c.do(ctx, http.MethodPost, "/tracker/"+url.PathEscape(trackerID)+"/"+action, nil, nil, nil)
}

// SilenceAlarm turns the tracker's siren off.
func (c *Client) SilenceAlarm(ctx context.Context, trackerID string) error {
	return c.do(ctx, http.MethodPost, "/tracker/"+url.PathEscape(trackerID)+"/sonor-alarm/off", nil, nil, nil)
}

// do performs an authenticated request. A 401 triggers one re-login and retry.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.Token(ctx)
		if err != nil {
			return err
		}

		err = c.doOnce(ctx, method, path, query, body, out, token)
		if !errdefs.IsAuth(err) {
			return err
		}
		if attempt > 0 {
			c.sessionFailed.Store(true)
			return err
		}

		log.FromContext(ctx).Warn("GeoRide session rejected, re-authenticating", "path", path)
		c.Invalidate()
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body, out any, token string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	u := c.endpoint(path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errdefs.Transient("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(method+" "+path, resp); err != nil {
		return err
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errdefs.Transient("%s %s: decode response: %v", method, path, err)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

// classifyStatus maps HTTP status codes onto the error taxonomy.
func classifyStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return errdefs.Auth("%s: status %d", op, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return errdefs.Transient("%s: status %d", op, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

// tokenExpiry reads the exp claim without verifying the signature. Zero means unknown.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// decodePositions accepts both a bare array and {"positions": [...]}.
func decodePositions(raw json.RawMessage) ([]Position, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '{' {
		var wrapped struct {
			Positions []Position `json:"positions"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, errdefs.Transient("decode positions: %v", err)
		}
		return wrapped.Positions, nil
	}

	var list []Position
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errdefs.Transient("decode positions: %v", err)
	}
	return list, nil
}
