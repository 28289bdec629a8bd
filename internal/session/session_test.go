package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Auth_Valid_Cases(t *testing.T) {
	tests := []struct {
		name string
		auth Auth
		want bool
	}{
		{"both set", Auth{Ticket: "PVE:root@pam:ABC", CSRFToken: "tok"}, true},
		{"missing csrf", Auth{Ticket: "PVE:root@pam:ABC"}, false},
		{"missing ticket", Auth{CSRFToken: "tok"}, false},
		{"zero", Auth{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.auth.Valid())
		})
	}
}

func Test_Store_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	s := NewStore(path)

	got, err := s.Load(ctx)
	require.NoError(t, err, "missing file is not an error")
	assert.False(t, got.Valid())

	want := Auth{Ticket: "PVE:root@pam:1234", CSRFToken: "csrf"}
	require.NoError(t, s.Save(ctx, want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx), "second clear is a no-op")
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Auth{}, got)
}

func Test_Store_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewStore(path).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func Test_Store_CancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	s := NewStore(path)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	holder := NewStore(path)
	require.NoError(t, holder.Save(context.Background(), Auth{Ticket: "a", CSRFToken: "b"}))

	// Another goroutine holds the lock file; a cancelled context must not block.
	release := make(chan struct{})
	locked := make(chan struct{})
	go func() {
		_ = holder.withLock(context.Background(), func() error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked
	defer close(release)

	_, err := s.Load(ctx)
	require.Error(t, err)
}

func Test_Holder_Concurrent(t *testing.T) {
	var h Holder
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Set(Auth{Ticket: "t", CSRFToken: "c"})
		}()
		go func() {
			defer wg.Done()
			_ = h.Get()
		}()
	}
	wg.Wait()
	assert.True(t, h.Get().Valid())
}
