// Package filesync 把一章正文镜像到本地文件：文件被保存时整段推给编辑器，
// 远端内容到达时整段写回文件。
package filesync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	clog "storypad/internal/log"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Buffer 接收本地修改，*editor.Editor 满足该接口。
type Buffer interface {
	Edit(content string) error
}

type Mirror struct {
	path string
	buf  Buffer
	log  zerolog.Logger

	mu       sync.Mutex
	lastHash uint64
}

// New 以 initial 初始化文件内容。
func New(path string, buf Buffer, initial string) (*Mirror, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	m := &Mirror{path: abs, buf: buf, log: clog.Component("filesync")}
	if err := m.write(initial); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mirror) Path() string { return m.path }

// ApplyRemote 把远端内容写入文件，不会回发给编辑器。
func (m *Mirror) ApplyRemote(content string) {
	if err := m.write(content); err != nil {
		m.log.Error().Err(err).Str("path", m.path).Msg("write remote content")
	}
}

// write 先写临时文件再 rename，监听方不会读到截断了一半的内容。
func (m *Mirror) write(content string) error {
	m.mu.Lock()
	m.lastHash = xxhash.Sum64String(content)
	m.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".storypad-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), m.path)
}

// Run 监听文件所在目录直到 ctx 取消。
func (m *Mirror) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch %s: %w", m.path, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != m.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			m.onChange()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn().Err(err).Msg("watcher")
		}
	}
}

func (m *Mirror) onChange() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		m.log.Debug().Err(err).Msg("read changed file")
		return
	}
	h := xxhash.Sum64(data)
	m.mu.Lock()
	if h == m.lastHash {
		m.mu.Unlock()
		return
	}
	m.lastHash = h
	m.mu.Unlock()

	if err := m.buf.Edit(string(data)); err != nil {
		m.log.Warn().Err(err).Msg("publish local edit")
	}
}
