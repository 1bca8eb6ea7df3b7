package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/containerd/errdefs"

	"github.com/ashureev/clinote/internal/domain"
	"github.com/ashureev/clinote/internal/shared"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) Conn {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := NewHTTPProvider(srv.URL, "anon-key", srv.Client(), nil)
	conn, err := p.Connect(context.Background(), "user-1", Credentials{AccessToken: "at", RefreshToken: "rt", ExpiresAt: 42})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return conn
}

func TestHTTPConnectRequiresToken(t *testing.T) {
	p := NewHTTPProvider("http://example.invalid", "k", nil, nil)
	_, err := p.Connect(context.Background(), "user-1", Credentials{})
	if !errdefs.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestHTTPGetSession(t *testing.T) {
	conn := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer at" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if got := r.Header.Get("apikey"); got != "anon-key" {
			t.Errorf("expected apikey header, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "user-1"})
	})

	sess, err := conn.GetSession(context.Background())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.UserID != "user-1" || sess.ExpiresAt != 42 {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestHTTPGetSessionUnauthorizedIsAbsent(t *testing.T) {
	conn := newTestBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":401,"msg":"invalid JWT"}`))
	})

	sess, err := conn.GetSession(context.Background())
	if err != nil || sess != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", sess, err)
	}
}

func TestHTTPRefreshRotatesTokens(t *testing.T) {
	var calls []string
	conn := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		switch r.URL.Path {
		case "/auth/v1/token":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["refresh_token"] != "rt" {
				t.Errorf("expected refresh token rt, got %q", body["refresh_token"])
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "at2",
				"refresh_token": "rt2",
				"expires_at":    100,
				"user":          map[string]string{"id": "user-1"},
			})
		case "/auth/v1/user":
			if got := r.Header.Get("Authorization"); got != "Bearer at2" {
				t.Errorf("expected rotated token, got %q", got)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "user-1"})
		}
	})

	sess, err := conn.RefreshSession(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if sess.AccessToken != "at2" || sess.ExpiresAt != 100 {
		t.Fatalf("unexpected session %+v", sess)
	}
	if _, err := conn.GetSession(context.Background()); err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(calls) != 2 || calls[0] != "POST /auth/v1/token?grant_type=refresh_token" {
		t.Fatalf("unexpected calls %v", calls)
	}
}

func TestHTTPRefreshRejected(t *testing.T) {
	conn := newTestBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Refresh Token Not Found"}`))
	})

	sess, err := conn.RefreshSession(context.Background())
	if err != nil || sess != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", sess, err)
	}
}

func TestHTTPCreateAndUpdateRecord(t *testing.T) {
	conn := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Prefer") != "return=representation" {
			t.Errorf("expected Prefer header")
		}
		var row draftRow
		_ = json.NewDecoder(r.Body).Decode(&row)
		switch r.Method {
		case http.MethodPost:
			if row.ID == "" || row.OwnerID != "user-1" {
				t.Errorf("expected client-generated id and owner, got %+v", row)
			}
		case http.MethodPatch:
			if got := r.URL.Query().Get("id"); got != "eq.d1" {
				t.Errorf("expected id filter eq.d1, got %q", got)
			}
			row.ID = "d1"
		}
		_ = json.NewEncoder(w).Encode([]draftRow{row})
	})

	created, err := conn.CreateRecord(context.Background(), domain.DraftPayload{Subject: "tpl", Content: "hello"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.Content != "hello" {
		t.Fatalf("unexpected record %+v", created)
	}

	updated, err := conn.UpdateRecord(context.Background(), "d1", domain.DraftPayload{Subject: "tpl", Content: "hello world"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != "d1" || updated.Content != "hello world" {
		t.Fatalf("unexpected record %+v", updated)
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		terminal bool
		code     string
	}{
		{"rls violation", http.StatusForbidden, `{"code":"42501","message":"new row violates row-level security policy"}`, true, "42501"},
		{"malformed uuid", http.StatusBadRequest, `{"code":"22P02","message":"invalid input syntax for type uuid"}`, true, "22P02"},
		{"server error", http.StatusInternalServerError, `{"message":"boom"}`, false, ""},
		{"bad gateway", http.StatusBadGateway, `upstream failed`, false, ""},
		{"unavailable", http.StatusServiceUnavailable, ``, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newTestBackend(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := conn.CreateRecord(context.Background(), domain.DraftPayload{Content: "x"})
			var backendErr *shared.BackendError
			if !errors.As(err, &backendErr) {
				t.Fatalf("expected BackendError, got %T %v", err, err)
			}
			if backendErr.Status != tt.status || backendErr.Code != tt.code {
				t.Fatalf("unexpected status/code %d/%q", backendErr.Status, backendErr.Code)
			}
			if got := shared.IsTerminal(err); got != tt.terminal {
				t.Fatalf("expected terminal=%v, got %v", tt.terminal, got)
			}
		})
	}
}

func TestHTTPBadGatewayIsTransient(t *testing.T) {
	conn := newTestBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := conn.CreateRecord(context.Background(), domain.DraftPayload{Content: "x"})
	if shared.Classify(err) != shared.KindNetwork {
		t.Fatalf("expected network kind, got %s", shared.Classify(err))
	}
}

func TestHTTPEmptyWriteIsTerminal(t *testing.T) {
	conn := newTestBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	_, err := conn.UpdateRecord(context.Background(), "d1", domain.DraftPayload{Content: "x"})
	if !shared.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestHTTPTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	p := NewHTTPProvider(srv.URL, "k", nil, nil)
	conn, _ := p.Connect(context.Background(), "user-1", Credentials{AccessToken: "at"})
	_, err := conn.GetSession(context.Background())

	var netErr *shared.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %T %v", err, err)
	}
	if shared.IsTerminal(err) {
		t.Fatal("network errors must not be terminal")
	}
}

func TestHTTPSignOutClearsTokens(t *testing.T) {
	signedOut := 0
	conn := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/v1/logout" {
			signedOut++
			w.WriteHeader(http.StatusNoContent)
		}
	})

	if err := conn.SignOut(context.Background()); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if err := conn.SignOut(context.Background()); err != nil {
		t.Fatalf("second sign out: %v", err)
	}
	if signedOut != 1 {
		t.Fatalf("expected 1 logout call, got %d", signedOut)
	}
	if sess, err := conn.GetSession(context.Background()); sess != nil || err != nil {
		t.Fatalf("expected no session after sign out, got (%v, %v)", sess, err)
	}
}
