package permission

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/harun/toolgate/pkg/tool"
)

// Store holds the current Checker and swaps it atomically when the policy
// file changes. Each Checker stays immutable; a check always sees one whole
// policy.
type Store struct {
	current  atomic.Pointer[Checker]
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	timer    *time.Timer
	reloads  atomic.Int64
	done     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
}

// NewStore wraps an already built checker.
func NewStore(c *Checker) *Store {
	s := &Store{done: make(chan struct{}), debounce: 100 * time.Millisecond}
	s.current.Store(c)
	return s
}

// OpenStore loads the policy at filePath.
func OpenStore(filePath string) (*Store, error) {
	p, err := LoadFile(filePath)
	if err != nil {
		return nil, err
	}
	c, err := NewChecker(p)
	if err != nil {
		return nil, err
	}
	s := NewStore(c)
	s.path = filePath
	return s, nil
}

// Check evaluates against the current checker.
func (s *Store) Check(actor tool.Actor, desc tool.Descriptor) Decision {
	return s.current.Load().Check(actor, desc)
}

// Checker returns the current checker.
func (s *Store) Checker() *Checker {
	return s.current.Load()
}

// Reloads counts successful reloads.
func (s *Store) Reloads() int64 {
	return s.reloads.Load()
}

// Reload re-reads the policy file. An invalid file leaves the current policy
// in place.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("store has no policy file")
	}
	p, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	c, err := NewChecker(p)
	if err != nil {
		return err
	}
	s.current.Store(c)
	s.reloads.Add(1)

	log.Info().
		Str("path", s.path).
		Int("rules", len(p.Rules)).
		Str("default", string(p.Default)).
		Msg("Permission policy reloaded")
	return nil
}

// Watch starts reloading the policy whenever its file changes. The parent
// directory is watched so editors that replace the file are handled.
func (s *Store) Watch() error {
	if s.path == "" {
		return fmt.Errorf("store has no policy file")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}
	s.watcher = watcher

	go s.eventLoop(watcher)

	log.Info().Str("path", s.path).Msg("Permission policy watcher started")
	return nil
}

func (s *Store) eventLoop(watcher *fsnotify.Watcher) {
	target := filepath.Clean(s.path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.scheduleReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Permission policy watcher error")

		case <-s.done:
			return
		}
	}
}

func (s *Store) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		select {
		case <-s.done:
			return
		default:
		}
		if err := s.Reload(); err != nil {
			log.Error().Err(err).Str("path", s.path).Msg("Failed to reload permission policy, keeping previous")
		}
	})
}

// Close stops the watcher.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.watcher = nil
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}
