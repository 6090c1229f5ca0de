package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTPProvider(t *testing.T, h http.HandlerFunc) *HTTPProvider {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	config := DefaultConfig()
	config.BaseURL = srv.URL
	config.APIKey = "secret"

	p, err := NewHTTPProvider(config)
	require.NoError(t, err)
	return p
}

func TestHTTPProvider_Lookup(t *testing.T) {
	p := newTestHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ipgeo", r.URL.Path)
		assert.Equal(t, "8.8.8.8", r.URL.Query().Get("ip"))
		assert.Equal(t, "secret", r.URL.Query().Get("apiKey"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ip":"8.8.8.8","country_name":"United States","city":"Mountain View"}`))
	})

	loc, err := p.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, Location{Country: "United States", City: "Mountain View"}, loc)
}

func TestHTTPProvider_MissingFieldsAreAbsent(t *testing.T) {
	p := newTestHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ip":"10.0.0.1"}`))
	})

	loc, err := p.Lookup(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, loc.IsZero())
}

func TestHTTPProvider_Malformed(t *testing.T) {
	p := newTestHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>nope</html>`))
	})

	_, err := p.Lookup(context.Background(), "1.2.3.4")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestHTTPProvider_BadStatus(t *testing.T) {
	p := newTestHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := p.Lookup(context.Background(), "1.2.3.4")
	assert.Error(t, err)
}

func TestHTTPProvider_Timeout(t *testing.T) {
	release := make(chan struct{})
	p := newTestHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Lookup(ctx, "1.2.3.4")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNew_UnknownProvider(t *testing.T) {
	config := DefaultConfig()
	config.Provider = "carrier-pigeon"

	_, err := New(config, nil)
	assert.Error(t, err)
}

func TestNew_WrapsBreaker(t *testing.T) {
	config := DefaultConfig()
	config.BaseURL = "http://127.0.0.1:1"

	p, err := New(config, nil)
	require.NoError(t, err)
	assert.IsType(t, &Breaker{}, p)

	config.Breaker.Enabled = false
	p, err = New(config, nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPProvider{}, p)
}

type stubProvider struct {
	calls int
	err   error
}

func (s *stubProvider) Lookup(ctx context.Context, ip string) (Location, error) {
	s.calls++
	if s.err != nil {
		return Location{}, s.err
	}
	return Location{Country: "Germany"}, nil
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	stub := &stubProvider{err: errors.New("boom")}
	b := NewBreaker("test-open", stub, BreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
	}, nil)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := b.Lookup(context.Background(), "1.1.1.1")
		assert.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.HealthCheck(context.Background()), ErrCircuitOpen)

	_, err := b.Lookup(context.Background(), "1.1.1.1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, stub.calls)

	// After the open timeout a probe is let through and closes the circuit.
	now = now.Add(time.Minute)
	stub.err = nil
	loc, err := b.Lookup(context.Background(), "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, "Germany", loc.Country)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.HealthCheck(context.Background()))
	assert.Equal(t, 4, stub.calls)
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	stub := &stubProvider{err: errors.New("boom")}
	b := NewBreaker("test-probe", stub, BreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      time.Second,
	}, nil)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	b.Lookup(context.Background(), "1.1.1.1")
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(2 * time.Second)
	b.Lookup(context.Background(), "1.1.1.1")
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 2, stub.calls)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	stub := &stubProvider{}
	b := NewBreaker("test-reset", stub, BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute}, nil)

	stub.err = errors.New("boom")
	b.Lookup(context.Background(), "1.1.1.1")
	stub.err = nil
	b.Lookup(context.Background(), "1.1.1.1")
	stub.err = errors.New("boom")
	b.Lookup(context.Background(), "1.1.1.1")

	assert.Equal(t, StateClosed, b.State())
}

func TestHTTPProvider_BadStatusIsStatusError(t *testing.T) {
	p := newTestHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusLocked)
	})

	_, err := p.Lookup(context.Background(), "10.0.0.1")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusLocked, se.Code)
}

func TestBreaker_PerAddressRejectionsKeepCircuitClosed(t *testing.T) {
	stub := &stubProvider{}
	b := NewBreaker("test-rejections", stub, BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute}, nil)

	for _, err := range []error{
		&StatusError{Code: http.StatusLocked},
		&StatusError{Code: http.StatusNotFound},
		ErrInvalidIP,
		&StatusError{Code: http.StatusBadRequest},
	} {
		stub.err = err
		_, got := b.Lookup(context.Background(), "10.0.0.1")
		assert.ErrorIs(t, got, err)
	}
	assert.Equal(t, StateClosed, b.State())

	stub.err = &StatusError{Code: http.StatusBadGateway}
	b.Lookup(context.Background(), "8.8.8.8")
	stub.err = context.DeadlineExceeded
	b.Lookup(context.Background(), "8.8.8.8")
	assert.Equal(t, StateOpen, b.State())
}

type closingProvider struct {
	stubProvider
	closed bool
}

func (c *closingProvider) Close() error {
	c.closed = true
	return nil
}

func TestBreaker_CloseForwardsToProvider(t *testing.T) {
	inner := &closingProvider{}
	require.NoError(t, NewBreaker("test-close", inner, DefaultBreakerConfig(), nil).Close())
	assert.True(t, inner.closed)

	assert.NoError(t, NewBreaker("test-close-noop", &stubProvider{}, DefaultBreakerConfig(), nil).Close())
}
