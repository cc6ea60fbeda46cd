package config

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ServiceListWatcher re-checks a service-list file's mtime on every poll
// interval, and also on fsnotify events where the filesystem supports
// them, and re-parses it whenever it changes, handing the fresh entries
// to OnChange.
type ServiceListWatcher struct {
	path     string
	log      *zap.Logger
	interval time.Duration

	mu       sync.Mutex
	lastMod  time.Time
	OnChange func([]Entry)

	stop chan struct{}
}

// NewServiceListWatcher builds a watcher for path, checking at least
// every interval (spec §6: hot-reloaded by mtime; BigServant's own
// reload cadence in spec §4.6 is ~5s, reused here as the default poll
// floor).
func NewServiceListWatcher(path string, interval time.Duration, log *zap.Logger) *ServiceListWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ServiceListWatcher{path: path, interval: interval, log: log, stop: make(chan struct{})}
}

// LoadOnce reads and parses the file immediately, without waiting for the
// watch loop, and records its mtime as the baseline.
func (w *ServiceListWatcher) LoadOnce() ([]Entry, error) {
	data, mtime, err := readWithMtime(w.path)
	if err != nil {
		return nil, err
	}
	entries, err := ParseServiceList(data)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.lastMod = mtime
	w.mu.Unlock()
	return entries, nil
}

// Start runs the watch loop in a goroutine until Stop is called. It
// prefers fsnotify for prompt notification but always re-checks mtime on
// a timer too, since fsnotify misses events across some network
// filesystems and editors that write-then-rename.
func (w *ServiceListWatcher) Start() {
	go w.run()
}

func (w *ServiceListWatcher) run() {
	fw, err := fsnotify.NewWatcher()
	if err == nil {
		defer fw.Close()
		if err := fw.Add(w.path); err != nil {
			w.log.Warn("service list fsnotify add failed, falling back to polling", zap.Error(err))
		}
	} else {
		w.log.Warn("fsnotify unavailable, falling back to polling", zap.Error(err))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	if fw != nil {
		events = fw.Events
	}

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.checkAndReload()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.checkAndReload()
		}
	}
}

func (w *ServiceListWatcher) checkAndReload() {
	data, mtime, err := readWithMtime(w.path)
	if err != nil {
		w.log.Warn("service list reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.mu.Lock()
	changed := !mtime.Equal(w.lastMod)
	w.mu.Unlock()
	if !changed {
		return
	}

	entries, err := ParseServiceList(data)
	if err != nil {
		w.log.Warn("service list parse failed, keeping previous config", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.lastMod = mtime
	w.mu.Unlock()

	w.log.Info("service list reloaded", zap.String("path", w.path), zap.Int("entries", len(entries)))
	if w.OnChange != nil {
		w.OnChange(entries)
	}
}

// Stop terminates the watch loop.
func (w *ServiceListWatcher) Stop() { close(w.stop) }

func readWithMtime(path string) ([]byte, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}
