package server

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kinexon/containerdash/internal/metrics"
)

// LiveReloadPath is where browsers subscribe to reload events.
const LiveReloadPath = "/__livereload"

// LiveReloadScript reloads the page when the server announces a change.
const LiveReloadScript = `(function(){var es=new EventSource("` + LiveReloadPath + `");` +
	`es.addEventListener("reload",function(){es.close();location.reload();});})();`

const defaultKeepaliveInterval = 15 * time.Second

// Reloader fans out reload notifications to connected browsers over SSE.
type Reloader struct {
	mu                sync.Mutex
	subs              map[chan struct{}]struct{}
	logger            *slog.Logger
	metrics           *metrics.Metrics
	keepaliveInterval time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// NewReloader creates a reloader with no subscribers.
func NewReloader(logger *slog.Logger, m *metrics.Metrics) *Reloader {
	return &Reloader{
		subs:              make(map[chan struct{}]struct{}),
		logger:            logger,
		metrics:           m,
		keepaliveInterval: defaultKeepaliveInterval,
		closed:            make(chan struct{}),
	}
}

// Close ends every open stream and makes new ones return at once, so a
// graceful server shutdown is not held up by connected browsers.
func (rl *Reloader) Close() {
	rl.closeOnce.Do(func() { close(rl.closed) })
}

func (rl *Reloader) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	rl.mu.Lock()
	rl.subs[ch] = struct{}{}
	rl.mu.Unlock()
	rl.metrics.LiveReloadClients(1)
	return ch
}

func (rl *Reloader) unsubscribe(ch chan struct{}) {
	rl.mu.Lock()
	delete(rl.subs, ch)
	rl.mu.Unlock()
	rl.metrics.LiveReloadClients(-1)
}

// Clients returns the number of connected browsers.
func (rl *Reloader) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.subs)
}

// Notify asks every connected browser to reload. Slow clients that have
// not consumed the previous notification are not queued twice.
func (rl *Reloader) Notify() {
	rl.mu.Lock()
	for ch := range rl.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	n := len(rl.subs)
	rl.mu.Unlock()
	rl.metrics.LiveReloadBroadcast()
	rl.logger.Debug("Live reload broadcast", "clients", n)
}

func (rl *Reloader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := rl.subscribe()
	defer rl.unsubscribe(ch)

	_, _ = w.Write([]byte("event: ready\ndata: 1\n\n"))
	flusher.Flush()

	keepalive := time.NewTicker(rl.keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-rl.closed:
			return
		case <-ch:
			_, _ = w.Write([]byte("event: reload\ndata: 1\n\n"))
			flusher.Flush()
		case <-keepalive.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}

// WatchDir notifies browsers whenever a file under dir changes. Bursts of
// events within debounce collapse into one reload. Directories created
// after startup are watched as they appear. It blocks until ctx is
// cancelled, then returns nil.
func (rl *Reloader) WatchDir(ctx context.Context, dir string, debounce time.Duration) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := addTree(fsw, dir); err != nil {
		return err
	}

	fire := make(chan struct{}, 1)
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(fsw, event.Name); err != nil {
						rl.logger.Warn("failed to watch new directory", "dir", event.Name, "error", err)
					}
				}
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			rl.logger.Info("Static files changed, reloading browsers", "dir", dir)
			rl.Notify()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			rl.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(p)
		}
		return nil
	})
}
