package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		value      string
		remoteAddr string
		want       string
	}{
		{"remote addr", DefaultForwardedHeader, "", "192.0.2.1:5555", "192.0.2.1"},
		{"single forwarded", DefaultForwardedHeader, "203.0.113.7", "10.0.0.1:80", "203.0.113.7"},
		{"forwarded chain", DefaultForwardedHeader, " 203.0.113.7 , 10.0.0.2, 10.0.0.3", "10.0.0.1:80", "203.0.113.7"},
		{"empty first value", DefaultForwardedHeader, " , 10.0.0.2", "10.0.0.1:80", "10.0.0.1"},
		{"header disabled", "", "203.0.113.7", "10.0.0.1:80", "10.0.0.1"},
		{"remote without port", DefaultForwardedHeader, "", "10.0.0.9", "10.0.0.9"},
		{"ipv6 remote", DefaultForwardedHeader, "", "[2001:db8::1]:443", "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.value != "" {
				req.Header.Set(DefaultForwardedHeader, tt.value)
			}

			if got := ClientIP(req, tt.header); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	chain := NewChain(testLogger())
	chain.Add(Middleware{Name: "low", Priority: PriorityLow, Handler: mark("low")})
	chain.Add(Middleware{Name: "high", Priority: PriorityHigh, Handler: mark("high")})
	chain.Add(Middleware{Name: "medium-a", Priority: PriorityMedium, Handler: mark("medium-a")})
	chain.Add(Middleware{Name: "medium-b", Priority: PriorityMedium, Handler: mark("medium-b"), SkipPaths: []string{"/health"}})

	handler := chain.Build()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	want := "high,medium-a,medium-b,low,handler"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("Expected order %s, got %s", want, got)
	}

	order = nil
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	want = "high,medium-a,low,handler"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("Expected order %s for skipped path, got %s", want, got)
	}

	if len(chain.Middlewares()) != 4 {
		t.Errorf("Expected 4 middlewares, got %d", len(chain.Middlewares()))
	}
}

func TestMatchPath(t *testing.T) {
	paths := []string{"/health", "/metrics/"}
	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/health/storage", true},
		{"/healthz", false},
		{"/metrics", false},
		{"/metrics/", true},
		{"/metrics/extra", true},
		{"/login", false},
	}
	for _, tt := range tests {
		if got := MatchPath(paths, tt.path); got != tt.want {
			t.Errorf("MatchPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestRecovery(t *testing.T) {
	handler := Recovery(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rr.Code)
	}
}

func TestAccessLogPassesResponseThrough(t *testing.T) {
	handler := AccessLog(testLogger(), DefaultForwardedHeader)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/pot", nil))

	if rr.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", rr.Code)
	}
	if rr.Body.String() != "short and stout" {
		t.Errorf("Unexpected body %q", rr.Body.String())
	}
}
