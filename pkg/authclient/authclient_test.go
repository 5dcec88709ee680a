package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/filemesh/ingester/pkg/coreerr"
)

func tokenServer(t *testing.T, calls *int64, expiresIn int64, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", atomic.LoadInt64(calls)),
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
}

func TestTokenRefreshesAndCaches(t *testing.T) {
	var calls int64
	srv := tokenServer(t, &calls, 3600, http.StatusOK)
	defer srv.Close()

	c := New(Config{AdminURL: srv.URL, ClientID: "id", ClientSecret: "secret"}, nil, nil)

	tok1, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	tok2, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok1 != tok2 {
		t.Fatalf("expected cached token, got %q then %q", tok1, tok2)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected 1 token endpoint call, got %d", got)
	}
}

func TestTokenSingleFlightsConcurrentRefreshes(t *testing.T) {
	var calls int64
	srv := tokenServer(t, &calls, 3600, http.StatusOK)
	defer srv.Close()

	c := New(Config{AdminURL: srv.URL, ClientID: "id", ClientSecret: "secret"}, nil, nil)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := c.Token(context.Background()); err != nil {
				t.Errorf("Token: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected exactly 1 token endpoint call for %d concurrent callers, got %d", n, got)
	}
}

func TestTokenClassifiesUnauthorized(t *testing.T) {
	var calls int64
	srv := tokenServer(t, &calls, 3600, http.StatusUnauthorized)
	defer srv.Close()

	c := New(Config{AdminURL: srv.URL, ClientID: "id", ClientSecret: "bad"}, nil, nil)
	_, err := c.Token(context.Background())
	if !coreerr.Is(err, coreerr.KindAuth) {
		t.Fatalf("expected KindAuth, got %v", err)
	}
}

func TestRefreshFailureKeepsPreviousToken(t *testing.T) {
	var calls int64
	status := int32(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		if atomic.LoadInt32(&status) != http.StatusOK {
			w.WriteHeader(int(atomic.LoadInt32(&status)))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "first-token",
			"expires_in":   1, // expires almost immediately
		})
	}))
	defer srv.Close()

	c := New(Config{AdminURL: srv.URL, ClientID: "id", ClientSecret: "secret"}, nil, nil)
	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "first-token" {
		t.Fatalf("expected first-token, got %q", tok)
	}

	time.Sleep(1100 * time.Millisecond)
	atomic.StoreInt32(&status, http.StatusInternalServerError)

	// Cached token is expired; refresh fails; cache should still hold the
	// previous value for callers that check it directly (Token itself
	// surfaces the refresh error per contract, it does not silently serve
	// the stale token to the caller that triggered the failed refresh).
	if _, err := c.Token(context.Background()); !coreerr.Is(err, coreerr.KindAuth) {
		t.Fatalf("expected KindAuth on refresh failure, got %v", err)
	}

	c.mu.RLock()
	got := c.token.AccessToken
	c.mu.RUnlock()
	if got != "first-token" {
		t.Fatalf("expected cached token to remain first-token after failed refresh, got %q", got)
	}
}
