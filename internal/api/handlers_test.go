package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dripbot/internal/campaign"
	"dripbot/internal/ratelimit"
	"dripbot/internal/store"
	"dripbot/internal/transport"
	"dripbot/pkg/logx"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "store.json"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := NewServer(Config{RatePerMin: 6000, RateBurst: 100},
		st, nil, ratelimit.New(50, time.Hour), nil, logx.Nop())
	return srv, st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func validPayload() map[string]any {
	return map[string]any{
		"name": "launch",
		"messages": []map[string]any{
			{"content": "hello", "delay": "1s"},
		},
		"target_username": "acme",
		"target_type":     "followers",
		"rate_limit":      map[string]any{"messages_per_hour": 60, "max_messages": 10},
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.Router()
	for _, path := range []string{"/api/health", "/healthz"} {
		rec := doJSON(t, h, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestCampaignLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPost, "/api/campaigns", validPayload())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var created campaign.Campaign
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.Status != campaign.StatusPaused {
		t.Fatalf("created status = %s, want paused", created.Status)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/campaigns/"+created.ID+"/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d, body %s", rec.Code, rec.Body)
	}
	var activated campaign.Campaign
	_ = json.Unmarshal(rec.Body.Bytes(), &activated)
	if activated.Status != campaign.StatusActive {
		t.Fatalf("status = %s, want active", activated.Status)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/campaigns/"+created.ID+"/progress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress status = %d", rec.Code)
	}
	var prog map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &prog)
	if prog["total_messages"].(float64) != 10 {
		t.Fatalf("progress = %v", prog)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/campaigns/"+created.ID+"/pause", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/campaigns/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/campaigns/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted status = %d, want 404", rec.Code)
	}
}

func TestCreateRejectsInvalidDraft(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.Router()

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{name: "missing name", mutate: func(p map[string]any) { p["name"] = "" }},
		{name: "no messages", mutate: func(p map[string]any) { p["messages"] = []any{} }},
		{name: "bad target type", mutate: func(p map[string]any) { p["target_type"] = "friends" }},
		{name: "zero budget", mutate: func(p map[string]any) {
			p["rate_limit"] = map[string]any{"messages_per_hour": 60, "max_messages": 0}
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			tt.mutate(p)
			rec := doJSON(t, h, http.MethodPost, "/api/campaigns", p)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/campaigns", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("garbage body status = %d, want 400", rec.Code)
	}
}

func TestReactivatingCompletedConflicts(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPost, "/api/campaigns", validPayload())
	var created campaign.Campaign
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	if _, err := store.SetStatus(context.Background(), st, created.ID, campaign.StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/campaigns/"+created.ID+"/activate", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body)
	}
}

func TestRateLimitEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/ratelimit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var state ratelimit.State
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Remaining != 50 || state.Ceiling != 50 {
		t.Fatalf("state = %+v", state)
	}
}

func TestCredentialsNeverEchoPassword(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPut, "/api/credentials",
		map[string]string{"username": "ops", "password": "hunter2"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/credentials", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Fatalf("password leaked: %s", rec.Body)
	}
	var got map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got["username"] != "ops" || got["set"] != true {
		t.Fatalf("credentials view = %v", got)
	}

	rec = doJSON(t, h, http.MethodPut, "/api/credentials", map[string]string{"username": "ops"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("incomplete put status = %d, want 400", rec.Code)
	}
}

func TestPutCredentialsAttemptsLogin(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	var got transport.Credentials
	loginErr := errors.New("rejected")
	srv.SetLoginHook(func(ctx context.Context, creds transport.Credentials) error {
		got = creds
		return loginErr
	})
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPut, "/api/credentials",
		map[string]string{"username": "ops", "password": "pw"})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["stored"] != true || resp["logged_in"] != false {
		t.Fatalf("response = %v, want stored but not logged in", resp)
	}
	if got.Username != "ops" || got.Password != "pw" {
		t.Fatalf("hook credentials = %+v", got)
	}

	loginErr = nil
	rec = doJSON(t, h, http.MethodPut, "/api/credentials",
		map[string]string{"username": "ops", "password": "pw2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body)
	}
	resp = map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["logged_in"] != true {
		t.Fatalf("response = %v, want logged_in true", resp)
	}
}

func TestPerIPRateLimit(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	srv.cfg.RatePerMin = 60
	srv.cfg.RateBurst = 2
	h := srv.Router()

	var throttled bool
	for i := 0; i < 5; i++ {
		rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
		if rec.Code == http.StatusTooManyRequests {
			throttled = true
			break
		}
	}
	if !throttled {
		t.Fatal("expected per-ip throttling to kick in")
	}
}
