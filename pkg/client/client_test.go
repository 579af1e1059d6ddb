package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/arenaguard/pkg/client"
)

const stubToken = "admin-jwt"

// ── Stub server ─────────────────────────────────────────────────────────

func stubGateway(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	const base = "/api/v1/admin/security"

	requireAuth := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer "+stubToken {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"missing or invalid token"}`)) //nolint:errcheck
			return false
		}
		return true
	}

	mux.HandleFunc(base+"/token", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Secret string }
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		if req.Secret != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid admin secret"}`)) //nolint:errcheck
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"token": stubToken, "token_type": "Bearer"})
	})

	mux.HandleFunc(base+"/alerts", func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth(w, r) {
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"alerts": []map[string]any{
				{"id": "a1", "type": "sql_injection_attempt", "severity": "high", "status": r.URL.Query().Get("status")},
			},
			"count": 1,
		})
	})

	mux.HandleFunc(base+"/alerts/", func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth(w, r) {
			return
		}
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, base+"/alerts/"), "/resolve")
		if id != "a1" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"alert not found"}`)) //nolint:errcheck
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": id, "status": "resolved"})
	})

	mux.HandleFunc(base+"/blocks", func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth(w, r) {
			return
		}
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"blocks": []map[string]any{{"origin_ip": "203.0.113.5", "reason": "Brute force attack", "source": "auto"}},
				"count":  1,
			})
		case http.MethodPost:
			var req client.BlockRequest
			json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
			if req.IP == "bad" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"ip must be a valid IPv4 or IPv6 address"}`)) //nolint:errcheck
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{"origin_ip": req.IP, "reason": req.Reason, "permanent": req.Permanent, "source": "admin"})
		}
	})

	mux.HandleFunc(base+"/blocks/", func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth(w, r) {
			return
		}
		if strings.TrimPrefix(r.URL.Path, base+"/blocks/") != "203.0.113.5" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc(base+"/events", func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth(w, r) {
			return
		}
		q := r.URL.Query()
		json.NewEncoder(w).Encode(map[string]any{
			"events": []map[string]any{
				{"id": "e1", "type": q.Get("type"), "origin_ip": q.Get("ip"), "severity": "medium",
					"details": map[string]any{"since": q.Get("since"), "limit": q.Get("limit")}},
			},
			"count": 1,
		})
	})

	mux.HandleFunc(base+"/dashboard", func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth(w, r) {
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"events_24h":     12,
			"events_7d":      40,
			"active_blocks":  1,
			"events_by_type": map[string]int{"failed_login": 10},
			"top_origins":    []map[string]any{{"origin_ip": "203.0.113.5", "events": 10}},
		})
	})

	mux.HandleFunc(base+"/audit", func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth(w, r) {
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"entries": []map[string]any{
				{"index": 1, "action": "block", "actor": "admin@10.0.0.9", "subject": "203.0.113.5", "hash": "ab"},
			},
			"root":         "ab",
			"verified":     false,
			"verify_error": "limit=" + r.URL.Query().Get("limit"),
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func loggedIn(t *testing.T) *client.Client {
	t.Helper()
	srv := stubGateway(t)
	c, err := client.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok, err := c.Login(context.Background(), "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if tok != stubToken || c.Token() != stubToken {
		t.Fatalf("token = %q", tok)
	}
	return c
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestNew_requiresBase(t *testing.T) {
	if _, err := client.New(""); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestLogin_wrongSecret(t *testing.T) {
	srv := stubGateway(t)
	c, _ := client.New(srv.URL)
	_, err := c.Login(context.Background(), "nope")
	if !errors.Is(err, client.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if !strings.Contains(err.Error(), "invalid admin secret") {
		t.Errorf("err = %v, want server message", err)
	}
}

func TestCalls_requireToken(t *testing.T) {
	srv := stubGateway(t)
	c, _ := client.New(srv.URL)
	if _, err := c.ListBlocks(context.Background()); !errors.Is(err, client.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}

	c, _ = client.New(srv.URL, client.WithBearerToken(stubToken))
	if _, err := c.ListBlocks(context.Background()); err != nil {
		t.Fatalf("with token: %v", err)
	}
}

func TestAlerts(t *testing.T) {
	c := loggedIn(t)
	ctx := context.Background()

	list, err := c.Alerts(ctx, "all")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "a1" || list[0].Status != "all" {
		t.Errorf("alerts = %+v", list)
	}

	a, err := c.ResolveAlert(ctx, "a1")
	if err != nil || a.Status != "resolved" {
		t.Errorf("resolve: %+v, %v", a, err)
	}
	if _, err := c.ResolveAlert(ctx, "zzz"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("resolve missing err = %v, want ErrNotFound", err)
	}
}

func TestBlocks(t *testing.T) {
	c := loggedIn(t)
	ctx := context.Background()

	blocks, err := c.ListBlocks(ctx)
	if err != nil || len(blocks) != 1 || blocks[0].Source != "auto" {
		t.Fatalf("list: %+v, %v", blocks, err)
	}

	e, err := c.Block(ctx, client.BlockRequest{IP: "198.51.100.7", Reason: "fraud", Permanent: true})
	if err != nil {
		t.Fatal(err)
	}
	if e.OriginIP != "198.51.100.7" || !e.Permanent || e.Source != "admin" {
		t.Errorf("entry = %+v", e)
	}

	_, err = c.Block(ctx, client.BlockRequest{IP: "bad"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("bad ip err = %v, want APIError 400", err)
	}

	if err := c.Unblock(ctx, "203.0.113.5"); err != nil {
		t.Errorf("unblock: %v", err)
	}
	if err := c.Unblock(ctx, "192.0.2.1"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("unblock missing err = %v, want ErrNotFound", err)
	}
}

func TestEvents_encodesQuery(t *testing.T) {
	c := loggedIn(t)
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events, err := c.Events(context.Background(), client.EventQuery{
		IP: "203.0.113.5", Type: "failed_login", Since: since, Limit: 25,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	ev := events[0]
	if ev.OriginIP != "203.0.113.5" || ev.Type != "failed_login" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Details["since"] != "2026-03-01T12:00:00Z" || ev.Details["limit"] != "25" {
		t.Errorf("query echoed as %v", ev.Details)
	}
}

func TestDashboard(t *testing.T) {
	c := loggedIn(t)
	d, err := c.Dashboard(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if d.Events24h != 12 || d.Events7d != 40 || d.ActiveBlocks != 1 {
		t.Errorf("dashboard = %+v", d)
	}
	if d.EventsByType["failed_login"] != 10 || len(d.TopOrigins) != 1 {
		t.Errorf("dashboard breakdown = %+v", d)
	}
}

func TestAudit(t *testing.T) {
	c := loggedIn(t)
	trail, err := c.Audit(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail.Entries) != 1 || trail.Entries[0].Action != "block" || trail.Root != "ab" {
		t.Errorf("trail = %+v", trail)
	}
	if trail.Verified || trail.VerifyError != "limit=10" {
		t.Errorf("verification = %v %q", trail.Verified, trail.VerifyError)
	}
}
