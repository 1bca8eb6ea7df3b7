package domain

import (
	"testing"
	"time"
)

func TestSessionValidAt(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name    string
		session *Session
		want    bool
	}{
		{"nil session", nil, false},
		{"missing user", &Session{ExpiresAt: now.Unix() + 60}, false},
		{"no declared expiry", &Session{UserID: "u1"}, true},
		{"before expiry", &Session{UserID: "u1", ExpiresAt: now.Unix() + 60}, true},
		{"at expiry", &Session{UserID: "u1", ExpiresAt: now.Unix()}, false},
		{"after expiry", &Session{UserID: "u1", ExpiresAt: now.Unix() - 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.session.ValidAt(now); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestUserIdleFor(t *testing.T) {
	now := time.Now()
	u := &User{LastSeenAt: now.Add(-5 * time.Minute)}
	if got := u.IdleFor(now); got != 5*time.Minute {
		t.Fatalf("expected 5m, got %v", got)
	}
	if got := (&User{}).IdleFor(now); got != 0 {
		t.Fatalf("expected 0 for unseen user, got %v", got)
	}
	if got := (&User{LastSeenAt: now.Add(time.Minute)}).IdleFor(now); got != 0 {
		t.Fatalf("expected 0 for future timestamp, got %v", got)
	}
}
