package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
	"github.com/Mindburn-Labs/sentinel/pkg/canonicalize"
)

// EventTamper is the audit event for an artifact whose on-disk content no
// longer matches the digest it was loaded with.
const EventTamper = "POLICY_TAMPER_DETECTED"

// DefaultDebounce is how long the watcher waits after the last change to
// a file before re-hashing it.
const DefaultDebounce = 250 * time.Millisecond

// TamperEvent describes one detected change.
type TamperEvent struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Expected   string    `json:"expected"`
	Actual     string    `json:"actual,omitempty"`
	Removed    bool      `json:"removed,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

type watchedFile struct {
	name   string
	digest string
}

type Option func(*Watcher)

func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.logger = l } }

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithAuditSink records every tamper event before the handler runs.
func WithAuditSink(s audit.Sink) Option { return func(w *Watcher) { w.sink = s } }

// Watcher reports changes to file-backed artifacts. Writes that leave the
// canonical digest unchanged (reformatted JSON, touch) are not tampering.
type Watcher struct {
	fsw      *fsnotify.Watcher
	files    map[string]watchedFile
	onTamper func(TamperEvent)
	sink     audit.Sink
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	timers   map[string]*time.Timer
	closed   bool
	inflight sync.WaitGroup
	once     sync.Once
}

// NewWatcher watches every file-backed artifact of set. The parent
// directories are watched so replace-by-rename edits are still seen.
func NewWatcher(set *Set, onTamper func(TamperEvent), opts ...Option) (*Watcher, error) {
	w := &Watcher{
		files:    make(map[string]watchedFile),
		onTamper: onTamper,
		logger:   slog.Default().With("component", "policy"),
		debounce: DefaultDebounce,
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}

	for name, a := range set.artifacts {
		if a.Path == "" {
			continue
		}
		abs, err := filepath.Abs(a.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", a.Path, err)
		}
		w.files[abs] = watchedFile{name: name, digest: a.Digest}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dirs := make(map[string]bool)
	for path := range w.files {
		dir := filepath.Dir(path)
		if dirs[dir] {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}
		dirs[dir] = true
	}
	w.fsw = fsw
	return w, nil
}

// Watched reports how many artifact files are under watch.
func (w *Watcher) Watched() int { return len(w.files) }

// Run handles file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			path, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if _, watched := w.files[path]; !watched {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.schedule(ctx, path)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// Close stops watching. Pending checks are dropped; a check that already
// started finishes before Close returns, so its audit write and handler
// never run after the caller tears down the sink.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		for _, t := range w.timers {
			t.Stop()
		}
		w.mu.Unlock()
		err = w.fsw.Close()
		w.inflight.Wait()
	})
	return err
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		w.inflight.Add(1)
		w.mu.Unlock()
		defer w.inflight.Done()
		w.check(ctx, path)
	})
}

func (w *Watcher) check(ctx context.Context, path string) {
	f := w.files[path]
	ev := TamperEvent{Name: f.name, Path: path, Expected: f.digest, DetectedAt: time.Now().UTC()}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		ev.Removed = true
	case err != nil:
		w.logger.Warn("artifact re-read failed", "artifact", f.name, "error", err)
		return
	default:
		ev.Actual = canonicalize.ArtifactDigest(data)
		if ev.Actual == f.digest {
			w.logger.Debug("artifact changed on disk without content change", "artifact", f.name)
			return
		}
	}

	w.logger.Error("policy artifact tampered", "artifact", f.name, "path", path,
		"expected", ev.Expected, "actual", ev.Actual, "removed", ev.Removed)

	if w.sink != nil {
		err := w.sink.Write(context.WithoutCancel(ctx), audit.Entry{
			Timestamp: ev.DetectedAt,
			Component: "policy",
			Event:     EventTamper,
			Subject:   f.name,
			Checksum:  ev.Actual,
			Metadata: map[string]string{
				"path":     path,
				"expected": ev.Expected,
				"removed":  strconv.FormatBool(ev.Removed),
			},
		})
		if err != nil {
			w.logger.Error("tamper audit failed", "artifact", f.name, "error", err)
		}
	}
	if w.onTamper != nil {
		w.onTamper(ev)
	}
}
