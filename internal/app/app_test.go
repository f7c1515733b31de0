package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"dripbot/internal/campaign"
	"dripbot/internal/transport"
)

// platformStub fakes the upstream API: login outcome is switchable and
// every target resolution is counted.
type platformStub struct {
	srv *httptest.Server

	loginOK  atomic.Bool
	resolves atomic.Int64
}

func newPlatformStub(t *testing.T) *platformStub {
	t.Helper()
	st := &platformStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/si/fetch_headers/", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/api/v1/web/accounts/login/ajax/", func(w http.ResponseWriter, r *http.Request) {
		if !st.loginOK.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"authenticated": true, "status": "ok"}`)
	})
	mux.HandleFunc("/api/v1/users/web_profile_info/", func(w http.ResponseWriter, r *http.Request) {
		st.resolves.Add(1)
		fmt.Fprint(w, `{"data": {"user": {"id": "777", "username": "acme"}}, "status": "ok"}`)
	})
	mux.HandleFunc("/api/v1/friendships/777/followers/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"users": [], "next_max_id": "", "status": "ok"}`)
	})
	st.srv = httptest.NewServer(mux)
	t.Cleanup(st.srv.Close)
	return st
}

func writeAppConfig(t *testing.T, dir, baseURL string) string {
	t.Helper()
	cfg := fmt.Sprintf(`{
		"http": {"addr": "127.0.0.1:0"},
		"instagram": {"base_url": %q},
		"storage": {"driver": "file", "path": %q},
		"logging": {"level": "error", "console": false, "file": {"enabled": false}}
	}`, baseURL, filepath.Join(dir, "store.json"))
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// A failed boot login must gate every campaign runner: no per-campaign
// resolution attempts until a credentials update brings a session up.
func TestRunnersGatedUntilLogin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stub := newPlatformStub(t)

	a, err := New(writeAppConfig(t, t.TempDir(), stub.srv.URL))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := a.st.SetCredentials(ctx, transport.Credentials{Username: "ops", Password: "stale"}); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}

	c, err := campaign.New(campaign.Draft{
		Name:           "gated",
		Messages:       []campaign.Message{{Content: "hi"}},
		TargetUsername: "acme",
		TargetType:     campaign.TargetFollowers,
		Rate:           campaign.RateConfig{MessagesPerHour: 60, MaxMessages: 5},
	})
	if err != nil {
		t.Fatalf("campaign.New: %v", err)
	}
	c.Status = campaign.StatusActive
	if err := a.st.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	// Boot login failed, so the active campaign must not resolve targets.
	time.Sleep(300 * time.Millisecond)
	if n := stub.resolves.Load(); n != 0 {
		t.Fatalf("resolved targets %d times without a session", n)
	}

	// Fixing the credentials over the API logs in and lifts the gate.
	stub.loginOK.Store(true)
	body := strings.NewReader(`{"username": "ops", "password": "fresh"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/credentials", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.serv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("credentials update status = %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["logged_in"] != true {
		t.Fatalf("response = %v, want logged_in true", resp)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if stub.resolves.Load() >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("runner never started after successful login")
}
