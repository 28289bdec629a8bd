package config

import (
	"encoding/hex"
	"os"
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// ApplyEnvOverrides
// ---------------------------------------------------------------------------

var overrideEnvVars = []string{
	"PVE_MCP_AUTH_TOKEN",
	"PVE_BACKEND_URL",
	"PVE_NODE",
	"PVE_USERNAME",
	"PVE_PASSWORD",
	"PVE_MCP_LOG_LEVEL",
}

// clearOverrideEnv registers cleanup via t.Setenv, then removes every
// override variable so os.Getenv returns "".
func clearOverrideEnv(t *testing.T) {
	t.Helper()
	for _, name := range overrideEnvVars {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func Test_ApplyEnvOverrides_Cases(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "token env set on empty config",
			env:  map[string]string{"PVE_MCP_AUTH_TOKEN": "my-token"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.AuthToken != "my-token" {
					t.Errorf("AuthToken = %q, want my-token", cfg.Server.AuthToken)
				}
			},
		},
		{
			name: "no env preserves file values",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Backend.URL != "http://localhost:8000" {
					t.Errorf("Backend.URL = %q, want default", cfg.Backend.URL)
				}
				if cfg.Backend.Node != "pve" {
					t.Errorf("Backend.Node = %q, want pve", cfg.Backend.Node)
				}
			},
		},
		{
			name: "empty env does not override",
			env:  map[string]string{"PVE_NODE": ""},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Backend.Node != "pve" {
					t.Errorf("Backend.Node = %q, want pve", cfg.Backend.Node)
				}
			},
		},
		{
			name: "backend and credentials overridden",
			env: map[string]string{
				"PVE_BACKEND_URL": "https://api.example:8443",
				"PVE_NODE":        "pve3",
				"PVE_USERNAME":    "ops@pve",
				"PVE_PASSWORD":    "s3cret",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Backend.URL != "https://api.example:8443" {
					t.Errorf("Backend.URL = %q", cfg.Backend.URL)
				}
				if cfg.Backend.Node != "pve3" {
					t.Errorf("Backend.Node = %q", cfg.Backend.Node)
				}
				if cfg.Backend.Username != "ops@pve" || cfg.Backend.Password != "s3cret" {
					t.Errorf("credentials = %q/%q", cfg.Backend.Username, cfg.Backend.Password)
				}
				if cfg.Server.Port != 8080 {
					t.Errorf("Server.Port = %d, want unchanged 8080", cfg.Server.Port)
				}
			},
		},
		{
			name: "log level overridden",
			env:  map[string]string{"PVE_MCP_LOG_LEVEL": "debug"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Log.Level != "debug" {
					t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearOverrideEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg := DefaultConfig()
			ApplyEnvOverrides(cfg)
			tt.check(t, cfg)
		})
	}
}

// ---------------------------------------------------------------------------
// EnsureAuthToken
// ---------------------------------------------------------------------------

func Test_EnsureAuthToken_Cases(t *testing.T) {
	t.Run("token already set returns existing token unchanged", func(t *testing.T) {
		cfg := &Config{
			Server: ServerConfig{
				AuthToken: "pre-set",
			},
		}

		token, err := EnsureAuthToken(cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token != "pre-set" {
			t.Errorf("returned token = %q, want %q", token, "pre-set")
		}
		if cfg.Server.AuthToken != "pre-set" {
			t.Errorf("cfg.Server.AuthToken = %q, want %q", cfg.Server.AuthToken, "pre-set")
		}
	})

	t.Run("empty token generates and sets new token", func(t *testing.T) {
		cfg := &Config{
			Server: ServerConfig{
				AuthToken: "",
			},
		}

		token, err := EnsureAuthToken(cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token == "" {
			t.Fatal("returned token is empty, expected a generated value")
		}
		if cfg.Server.AuthToken != token {
			t.Errorf("cfg.Server.AuthToken = %q, want %q (returned token)", cfg.Server.AuthToken, token)
		}
	})

	t.Run("generated token is 32 characters", func(t *testing.T) {
		cfg := &Config{
			Server: ServerConfig{
				AuthToken: "",
			},
		}

		token, err := EnsureAuthToken(cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(token) != 32 {
			t.Errorf("len(token) = %d, want 32", len(token))
		}
	})

	t.Run("generated token is valid hex", func(t *testing.T) {
		cfg := &Config{
			Server: ServerConfig{
				AuthToken: "",
			},
		}

		token, err := EnsureAuthToken(cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		decoded, err := hex.DecodeString(token)
		if err != nil {
			t.Fatalf("token %q is not valid hex: %v", token, err)
		}
		if len(decoded) != 16 {
			t.Errorf("decoded length = %d, want 16 bytes", len(decoded))
		}
	})

	t.Run("two calls produce different tokens", func(t *testing.T) {
		cfg1 := &Config{Server: ServerConfig{AuthToken: ""}}
		cfg2 := &Config{Server: ServerConfig{AuthToken: ""}}

		token1, err := EnsureAuthToken(cfg1)
		if err != nil {
			t.Fatalf("first call error: %v", err)
		}

		token2, err := EnsureAuthToken(cfg2)
		if err != nil {
			t.Fatalf("second call error: %v", err)
		}

		if token1 == token2 {
			t.Errorf("two generated tokens are identical: %q", token1)
		}
	})
}

// ---------------------------------------------------------------------------
// GenerateRandomToken
// ---------------------------------------------------------------------------

func Test_GenerateRandomToken_Cases(t *testing.T) {
	t.Run("returns 32 character string", func(t *testing.T) {
		token, err := GenerateRandomToken()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(token) != 32 {
			t.Errorf("len(token) = %d, want 32", len(token))
		}
	})

	t.Run("output is valid hex encoding 16 bytes", func(t *testing.T) {
		token, err := GenerateRandomToken()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		decoded, err := hex.DecodeString(token)
		if err != nil {
			t.Fatalf("token %q is not valid hex: %v", token, err)
		}
		if len(decoded) != 16 {
			t.Errorf("decoded byte length = %d, want 16", len(decoded))
		}
	})

	t.Run("two calls return different values", func(t *testing.T) {
		token1, err := GenerateRandomToken()
		if err != nil {
			t.Fatalf("first call error: %v", err)
		}

		token2, err := GenerateRandomToken()
		if err != nil {
			t.Fatalf("second call error: %v", err)
		}

		if token1 == token2 {
			t.Errorf("two generated tokens are identical: %q", token1)
		}
	})

	t.Run("concurrent calls all succeed with unique tokens", func(t *testing.T) {
		const goroutines = 100

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			tokens = make(map[string]struct{}, goroutines)
			errs   []error
		)

		wg.Add(goroutines)
		for i := 0; i < goroutines; i++ {
			go func() {
				defer wg.Done()
				token, err := GenerateRandomToken()
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				tokens[token] = struct{}{}
			}()
		}
		wg.Wait()

		if len(errs) > 0 {
			t.Fatalf("got %d errors in concurrent calls; first: %v", len(errs), errs[0])
		}

		if len(tokens) != goroutines {
			t.Errorf("expected %d unique tokens, got %d (collisions detected)", goroutines, len(tokens))
		}
	})
}
