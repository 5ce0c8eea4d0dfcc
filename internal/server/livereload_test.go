package server

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event: ") {
			return strings.TrimPrefix(line, "event: ")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestReloaderStreamsReadyAndReload(t *testing.T) {
	rl := NewReloader(discardLogger(), nil)
	srv := startLocalHTTPServer(t, rl)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	assert.Equal(t, "ready", readEvent(t, r))

	waitFor(t, func() bool { return rl.Clients() == 1 })
	rl.Notify()
	assert.Equal(t, "reload", readEvent(t, r))
}

func TestReloaderUnsubscribesOnDisconnect(t *testing.T) {
	rl := NewReloader(discardLogger(), nil)
	srv := startLocalHTTPServer(t, rl)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	waitFor(t, func() bool { return rl.Clients() == 1 })
	cancel()
	resp.Body.Close()

	waitFor(t, func() bool { return rl.Clients() == 0 })
}

func TestReloaderCloseEndsStreams(t *testing.T) {
	rl := NewReloader(discardLogger(), nil)
	srv := startLocalHTTPServer(t, rl)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	assert.Equal(t, "ready", readEvent(t, r))

	rl.Close()
	rl.Close()

	waitFor(t, func() bool { return rl.Clients() == 0 })
	_, err = io.ReadAll(r)
	assert.NoError(t, err, "stream should end cleanly")
}

func TestReloaderKeepalive(t *testing.T) {
	rl := NewReloader(discardLogger(), nil)
	rl.keepaliveInterval = 20 * time.Millisecond
	srv := startLocalHTTPServer(t, rl)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ": keepalive") {
			return
		}
	}
}

func TestNotifyWithoutClients(t *testing.T) {
	rl := NewReloader(discardLogger(), nil)
	rl.Notify()
	assert.Equal(t, 0, rl.Clients())
}

func TestWatchDirNotifiesOnChange(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))

	rl := NewReloader(discardLogger(), nil)
	ch := rl.subscribe()
	defer rl.unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- rl.WatchDir(ctx, dir, 50*time.Millisecond) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "app.js"), []byte("x"), 0o644))

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload notification")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WatchDir did not return after context cancellation")
	}
}

func TestWatchDirMissingDirectory(t *testing.T) {
	rl := NewReloader(discardLogger(), nil)
	err := rl.WatchDir(context.Background(), filepath.Join(t.TempDir(), "missing"), time.Millisecond)
	assert.Error(t, err)
}
