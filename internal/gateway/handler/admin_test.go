package handler_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/jmerrifield20/arenaguard/internal/threat"
)

const adminIP = "10.0.0.9"

func adminToken(t *testing.T, s *stack) string {
	t.Helper()
	w := s.do(http.MethodPost, "/api/v1/admin/security/token", adminIP, map[string]string{"secret": adminSecret}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["token_type"] != "Bearer" {
		t.Errorf("token_type = %v", body["token_type"])
	}
	tok, _ := body["token"].(string)
	return tok
}

func TestAdmin_tokenRequiresSecret(t *testing.T) {
	s := newStack(t, nil)

	if w := s.do(http.MethodPost, "/api/v1/admin/security/token", adminIP, map[string]string{}, nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing secret status = %d, want 400", w.Code)
	}
	if w := s.do(http.MethodPost, "/api/v1/admin/security/token", adminIP, map[string]string{"secret": "guess"}, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret status = %d, want 401", w.Code)
	}
	if got := s.count(t, threat.EventFailedLogin, adminIP); got != 1 {
		t.Errorf("failed_login events = %d, want 1", got)
	}
}

func TestAdmin_requiresAdminToken(t *testing.T) {
	s := newStack(t, nil)
	userTok, _ := s.tokens.Issue("user-1", "")

	if w := s.do(http.MethodGet, "/api/v1/admin/security/alerts", adminIP, nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", w.Code)
	}
	w := s.do(http.MethodGet, "/api/v1/admin/security/alerts", adminIP, nil, map[string]string{"Authorization": "Bearer " + userTok})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-admin status = %d, want 403", w.Code)
	}
	if got := s.count(t, threat.EventAdminAccessAttempt, adminIP); got != 2 {
		t.Errorf("admin_access_attempt events = %d, want 2", got)
	}
}

func TestAdmin_blockLifecycle(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	auth := map[string]string{"Authorization": "Bearer " + adminToken(t, s)}
	const target = "198.51.100.7"

	if w := s.do(http.MethodPost, "/api/v1/admin/security/blocks", adminIP, map[string]any{"ip": "not-an-ip"}, auth); w.Code != http.StatusBadRequest {
		t.Errorf("invalid ip status = %d, want 400", w.Code)
	}

	// One second more than a time.Duration can hold.
	huge := map[string]any{"ip": target, "ttl_seconds": int64(9223372037)}
	if w := s.do(http.MethodPost, "/api/v1/admin/security/blocks", adminIP, huge, auth); w.Code != http.StatusBadRequest {
		t.Errorf("oversized ttl status = %d, want 400", w.Code)
	}
	if w := s.do(http.MethodGet, "/api/v1/tournaments", target, nil, nil); w.Code != http.StatusOK {
		t.Errorf("rejected block still took effect: status %d", w.Code)
	}

	w := s.do(http.MethodPost, "/api/v1/admin/security/blocks", adminIP, map[string]any{"ip": target, "ttl_seconds": 3600}, auth)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	if entry := decode(t, w); entry["reason"] != "Manual block" {
		t.Errorf("entry = %v", entry)
	}

	w = s.do(http.MethodGet, "/api/v1/admin/security/blocks", adminIP, nil, auth)
	if body := decode(t, w); w.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("list: %d %v", w.Code, body)
	}

	if w := s.do(http.MethodGet, "/api/v1/tournaments", target, nil, nil); w.Code != http.StatusForbidden {
		t.Errorf("blocked origin status = %d, want 403", w.Code)
	}

	w = s.do(http.MethodGet, "/api/v1/admin/security/events?type=ip_blocked&ip="+target, adminIP, nil, auth)
	if body := decode(t, w); w.Code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("ip_blocked events: %d %v", w.Code, body)
	}

	if w := s.do(http.MethodDelete, "/api/v1/admin/security/blocks/"+target, adminIP, nil, auth); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}
	if w := s.do(http.MethodDelete, "/api/v1/admin/security/blocks/"+target, adminIP, nil, auth); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
	if w := s.do(http.MethodGet, "/api/v1/tournaments", target, nil, nil); w.Code != http.StatusOK {
		t.Errorf("unblocked origin status = %d, want 200", w.Code)
	}
}

func TestAdmin_alertsAndDashboard(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	auth := map[string]string{"Authorization": "Bearer " + adminToken(t, s)}

	// An injection attempt is high severity and raises an alert.
	if w := s.do(http.MethodGet, "/api/v1/tournaments?q=%27%20OR%201=1", "203.0.113.20", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w := s.do(http.MethodGet, "/api/v1/admin/security/alerts", adminIP, nil, auth)
	body := decode(t, w)
	list, _ := body["alerts"].([]any)
	if w.Code != http.StatusOK || len(list) != 1 {
		t.Fatalf("alerts: %d %v", w.Code, body)
	}
	id := list[0].(map[string]any)["id"].(string)

	if w := s.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/security/alerts/%s/resolve", id), adminIP, nil, auth); w.Code != http.StatusOK {
		t.Errorf("resolve status = %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/api/v1/admin/security/alerts/missing/resolve", adminIP, nil, auth); w.Code != http.StatusNotFound {
		t.Errorf("resolve missing status = %d, want 404", w.Code)
	}
	w = s.do(http.MethodGet, "/api/v1/admin/security/alerts?status=resolved", adminIP, nil, auth)
	if body := decode(t, w); body["count"] != float64(1) {
		t.Errorf("resolved alerts = %v", body)
	}
	if w := s.do(http.MethodGet, "/api/v1/admin/security/alerts?status=bogus", adminIP, nil, auth); w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", w.Code)
	}

	w = s.do(http.MethodGet, "/api/v1/admin/security/dashboard", adminIP, nil, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("dashboard status = %d", w.Code)
	}
	if d := decode(t, w); d["events_24h"] == float64(0) {
		t.Errorf("dashboard = %v", d)
	}

	if w := s.do(http.MethodGet, "/api/v1/admin/security/events?since=yesterday", adminIP, nil, auth); w.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", w.Code)
	}
}

func TestAdmin_auditTrail(t *testing.T) {
	s := newStack(t, nil)
	auth := map[string]string{"Authorization": "Bearer " + adminToken(t, s)}

	s.do(http.MethodPost, "/api/v1/admin/security/blocks", adminIP, map[string]any{"ip": "192.0.2.200", "permanent": true}, auth)
	s.do(http.MethodDelete, "/api/v1/admin/security/blocks/192.0.2.200", adminIP, nil, auth)
	// A failed unblock is not audited.
	s.do(http.MethodDelete, "/api/v1/admin/security/blocks/192.0.2.200", adminIP, nil, auth)

	w := s.do(http.MethodGet, "/api/v1/admin/security/audit", adminIP, nil, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("audit status = %d", w.Code)
	}
	body := decode(t, w)
	if body["verified"] != true || body["count"] != float64(3) {
		t.Fatalf("audit = %v", body)
	}
	entries := body["entries"].([]any)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.(map[string]any)["action"].(string))
	}
	want := []string{"token_issued", "block", "unblock"}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("actions = %v, want %v", actions, want)
			break
		}
	}
	if actor := entries[1].(map[string]any)["actor"]; actor != "admin@"+adminIP {
		t.Errorf("actor = %v", actor)
	}
	root, _ := s.audit.Root(context.Background())
	if body["root"] != root {
		t.Errorf("root = %v, want %s", body["root"], root)
	}
}
