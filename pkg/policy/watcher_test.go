package policy

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
)

type tamperRecorder struct {
	mu     sync.Mutex
	events []TamperEvent
}

func (r *tamperRecorder) record(ev TamperEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *tamperRecorder) Events() []TamperEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TamperEvent(nil), r.events...)
}

func startWatcher(t *testing.T, opts ...Option) (string, *tamperRecorder, *audit.Log) {
	t.Helper()
	dir := t.TempDir()
	path := writeArtifact(t, dir, Codex, codexV1)
	s, err := Load(dir)
	require.NoError(t, err)

	rec := &tamperRecorder{}
	log := audit.NewLog(nil)
	opts = append([]Option{WithDebounce(20 * time.Millisecond), WithAuditSink(log)}, opts...)
	w, err := NewWatcher(s, rec.record, opts...)
	require.NoError(t, err)
	require.Equal(t, 1, w.Watched())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return path, rec, log
}

func TestWatcher_DetectsContentChange(t *testing.T) {
	path, rec, log := startWatcher(t)

	require.NoError(t, os.WriteFile(path, []byte(`{"name":"codex","version":"1.2.0","principles":["be cruel"]}`), 0o600))

	require.Eventually(t, func() bool { return len(rec.Events()) > 0 }, 2*time.Second, 10*time.Millisecond)
	ev := rec.Events()[0]
	assert.Equal(t, Codex, ev.Name)
	assert.False(t, ev.Removed)
	assert.NotEqual(t, ev.Expected, ev.Actual)

	entries := log.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, EventTamper, entries[0].Event)
	assert.Equal(t, Codex, entries[0].Subject)
}

func TestWatcher_DetectsRemoval(t *testing.T) {
	path, rec, _ := startWatcher(t)

	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		for _, ev := range rec.Events() {
			if ev.Removed {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresReformatting(t *testing.T) {
	path, rec, _ := startWatcher(t)

	require.NoError(t, os.WriteFile(path, []byte("{\"principles\": [\"be kind\"], \"version\": \"1.2.0\", \"name\": \"codex\"}\n"), 0o600))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, rec.Events())
}

func TestWatcher_EmbeddedOnlyWatchesNothing(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	w, err := NewWatcher(s, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Watched())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, w.Run(ctx))
	assert.NoError(t, w.Close())
}

func TestWatcher_CloseWaitsForRunningCheck(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, Codex, codexV1)
	s, err := Load(dir)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		enter    sync.Once
		mu       sync.Mutex
		finished bool
	)
	w, err := NewWatcher(s, func(TamperEvent) {
		enter.Do(func() { close(entered) })
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
	}, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	go func() { _ = w.Run(context.Background()) }()

	require.NoError(t, os.WriteFile(path, []byte(`{"name":"codex","version":"1.0.0","principles":["changed"]}`), 0o600))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("tamper handler never ran")
	}

	closed := make(chan struct{})
	go func() {
		_ = w.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a check was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-closed
	mu.Lock()
	assert.True(t, finished)
	mu.Unlock()
}

func TestWatcher_PendingCheckDroppedOnClose(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, Codex, codexV1)
	s, err := Load(dir)
	require.NoError(t, err)

	rec := &tamperRecorder{}
	w, err := NewWatcher(s, rec.record, WithDebounce(200*time.Millisecond))
	require.NoError(t, err)
	go func() { _ = w.Run(context.Background()) }()

	require.NoError(t, os.WriteFile(path, []byte(`{"name":"codex","version":"1.0.0","principles":["changed"]}`), 0o600))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, w.Close())

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, rec.Events())
}
