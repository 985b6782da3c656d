package mw

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func init() { gin.SetMode(gin.TestMode) }

func newEngine(h ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(h...)
	r.GET("/api/stories", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestCORS(t *testing.T) {
	cases := []struct {
		name       string
		allowed    []string
		method     string
		origin     string
		wantOrigin string
		wantStatus int
	}{
		{"listed origin echoed", []string{"https://a.example"}, http.MethodGet, "https://a.example", "https://a.example", http.StatusOK},
		{"unlisted origin not echoed", []string{"https://a.example"}, http.MethodGet, "https://evil.example", "", http.StatusOK},
		{"wildcard echoes any", []string{"*"}, http.MethodGet, "https://b.example", "https://b.example", http.StatusOK},
		{"no origin header", []string{"*"}, http.MethodGet, "", "", http.StatusOK},
		{"preflight short-circuits", []string{"*"}, http.MethodOptions, "https://b.example", "https://b.example", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newEngine(CORS(tc.allowed))
			req := httptest.NewRequest(tc.method, "/api/stories", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Fatalf("allow-origin = %q, want %q", got, tc.wantOrigin)
			}
		})
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 2, time.Minute)
	r := newEngine(rl.Middleware())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/stories", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want [200 200 429]", codes)
	}

	// a different client has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/api/stories", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("second client status = %d", w.Code)
	}
	if rl.Len() != 2 {
		t.Fatalf("buckets = %d, want 2", rl.Len())
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Second), 1, time.Minute)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.get("old", base)
	rl.get("fresh", base.Add(50*time.Second))

	if n := rl.Sweep(base.Add(90 * time.Second)); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if rl.Len() != 1 {
		t.Fatalf("remaining = %d, want 1", rl.Len())
	}
}

func TestRateLimiter_ServeStopsOnCancel(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Second), 1, time.Millisecond)
	rl.sweep = 5 * time.Millisecond
	rl.get("k", time.Now().Add(-time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rl.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for rl.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rl.Len() != 0 {
		t.Fatal("stale bucket was not swept")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve returned %v", err)
	}
}
