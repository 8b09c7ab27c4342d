package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CapsHolder is a thread-safe snapshot of the safety caps. Workers read
// caps through the holder so a config reload takes effect without restart.
type CapsHolder struct {
	mu   sync.RWMutex
	caps CapsConfig
}

// NewCapsHolder creates a holder with the given initial caps
func NewCapsHolder(caps CapsConfig) *CapsHolder {
	return &CapsHolder{caps: caps}
}

// Get returns the current caps snapshot
func (h *CapsHolder) Get() CapsConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.caps
}

// Set replaces the caps snapshot
func (h *CapsHolder) Set(caps CapsConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.caps = caps
}

// Watcher reloads the config file on change and pushes validated caps into
// a CapsHolder. Invalid files are logged and ignored, keeping the last
// good snapshot.
type Watcher struct {
	path     string
	holder   *CapsHolder
	watcher  *fsnotify.Watcher
	debounce time.Duration
	done     chan struct{}
}

// NewWatcher starts watching the config file's directory. Watching the
// directory instead of the file survives editors that replace the file.
func NewWatcher(path string, holder *CapsHolder) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		holder:   holder,
		watcher:  fw,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watch error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Printf("[config] reload rejected: %v", err)
		return
	}
	w.holder.Set(cfg.Caps)
	log.Printf("[config] caps reloaded: children=%d fix_attempts=%d stale=%dm escalate_after=%d per_repo=%d",
		cfg.Caps.MaxChildrenPerParent, cfg.Caps.MaxFixAttempts,
		cfg.Caps.StaleTimeoutMinutes, cfg.Caps.EscalateAfterAttempt,
		cfg.Caps.MaxConcurrentPerRepo)
}

// Close stops the watcher
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
