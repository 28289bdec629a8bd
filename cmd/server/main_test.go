package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesprial/pve-mcp/internal/config"
	"github.com/jamesprial/pve-mcp/internal/session"
)

// sessionBackend accepts only the ticket it issued last and counts logins.
type sessionBackend struct {
	ticket     string
	nodeStatus int
	logins     atomic.Int32
}

func (b *sessionBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/login":
		b.logins.Add(1)
		_ = json.NewEncoder(w).Encode(session.Auth{Ticket: b.ticket, CSRFToken: "csrf-new"})
	case "/nodes":
		if b.nodeStatus != 0 {
			w.WriteHeader(b.nodeStatus)
			_, _ = w.Write([]byte(`{"detail":"backend down"}`))
			return
		}
		if r.URL.Query().Get("ticket") != b.ticket {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	default:
		http.NotFound(w, r)
	}
}

func newConnectConfig(t *testing.T, b *sessionBackend) *config.Config {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Backend.URL = srv.URL
	cfg.Backend.Timeout = 5
	cfg.Backend.Username = "root@pam"
	cfg.Backend.Password = "secret"
	cfg.Session.Path = filepath.Join(t.TempDir(), "session.json")
	return cfg
}

func Test_Connect_Cases(t *testing.T) {
	tests := []struct {
		name       string
		stored     session.Auth
		nodeStatus int
		noUser     bool
		wantErr    string
		wantLogins int32
		wantTicket string
	}{
		{
			name:       "no stored session logs in",
			wantLogins: 1,
			wantTicket: "ticket-new",
		},
		{
			name:       "valid stored session is reused",
			stored:     session.Auth{Ticket: "ticket-new", CSRFToken: "csrf-old"},
			wantLogins: 0,
			wantTicket: "ticket-new",
		},
		{
			name:       "expired stored session logs in again",
			stored:     session.Auth{Ticket: "ticket-old", CSRFToken: "csrf-old"},
			wantLogins: 1,
			wantTicket: "ticket-new",
		},
		{
			name:       "backend error while checking session",
			stored:     session.Auth{Ticket: "ticket-old", CSRFToken: "csrf-old"},
			nodeStatus: http.StatusBadGateway,
			wantErr:    "check session",
		},
		{
			name:    "expired session without username",
			stored:  session.Auth{Ticket: "ticket-old", CSRFToken: "csrf-old"},
			noUser:  true,
			wantErr: "backend.username is not set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &sessionBackend{ticket: "ticket-new", nodeStatus: tt.nodeStatus}
			cfg := newConnectConfig(t, b)
			if tt.noUser {
				cfg.Backend.Username = ""
			}
			store := session.NewStore(cfg.Session.Path)
			if tt.stored.Valid() {
				require.NoError(t, store.Save(context.Background(), tt.stored))
			}

			client, err := connect(context.Background(), cfg, zerolog.Nop())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Zero(t, b.logins.Load())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLogins, b.logins.Load())
			assert.Equal(t, tt.wantTicket, client.Session().Get().Ticket)

			saved, err := store.Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantTicket, saved.Ticket)

			_, err = client.ListNodes(context.Background())
			assert.NoError(t, err)
		})
	}
}
