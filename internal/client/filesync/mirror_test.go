package filesync

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBuffer struct {
	mu    sync.Mutex
	edits []string
}

func (b *recordingBuffer) Edit(content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edits = append(b.edits, content)
	return nil
}

func (b *recordingBuffer) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.edits...)
}

func startMirror(t *testing.T, initial string) (*Mirror, *recordingBuffer) {
	t.Helper()
	buf := &recordingBuffer{}
	m, err := New(filepath.Join(t.TempDir(), "chapter.md"), buf, initial)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// give the watcher a moment to register
	time.Sleep(50 * time.Millisecond)
	return m, buf
}

func TestMirror_InitialContentWritten(t *testing.T) {
	m, buf := startMirror(t, "Once upon a time")
	data, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	assert.Equal(t, "Once upon a time", string(data))
	assert.Empty(t, buf.snapshot())
}

func TestMirror_LocalSavePublishesFullContent(t *testing.T) {
	m, buf := startMirror(t, "draft")
	require.NoError(t, os.WriteFile(m.Path(), []byte("draft, revised"), 0o644))

	require.Eventually(t, func() bool {
		edits := buf.snapshot()
		return len(edits) > 0 && edits[len(edits)-1] == "draft, revised"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMirror_RemoteContentIsNotEchoed(t *testing.T) {
	m, buf := startMirror(t, "draft")
	m.ApplyRemote("from a collaborator")

	data, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	assert.Equal(t, "from a collaborator", string(data))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, buf.snapshot())
}

func TestMirror_IgnoresSiblingFiles(t *testing.T) {
	m, buf := startMirror(t, "draft")
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(m.Path()), "notes.txt"), []byte("unrelated"), 0o644))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, buf.snapshot())
}
