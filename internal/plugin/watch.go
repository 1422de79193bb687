package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gaspardpetit/plugapi/internal/fs"
	"github.com/gaspardpetit/plugapi/internal/logx"
	"github.com/gaspardpetit/plugapi/internal/script"
)

// DefaultDebounce is how long a file must stay quiet before it is reloaded.
const DefaultDebounce = 300 * time.Millisecond

// Watcher reloads modules when their files change on disk.
type Watcher struct {
	m        *Manager
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// Watch starts watching the manager's root and every folder below it. The
// watcher stops when ctx is done or Close is called.
func (m *Manager) Watch(ctx context.Context, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{m: m, fsw: fsw, debounce: debounce, timers: make(map[string]*time.Timer)}
	if err := w.addTree(m.root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	logx.Log.Info().Str("root", m.root).Msg("watching plugins for changes")
	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && fs.Hidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logx.Log.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			if fs.Hidden(filepath.Base(ev.Name)) {
				return
			}
			if err := w.addTree(ev.Name); err != nil {
				logx.Log.Warn().Str("dir", ev.Name).Err(err).Msg("watch folder")
			}
			w.rescanDir(ctx, ev.Name)
			return
		}
	}
	if filepath.Ext(ev.Name) != script.Extension {
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			w.dropDir(ev.Name)
		}
		return
	}
	w.schedule(ctx, ev.Name)
}

// dropDir unloads every module that lived below a folder that went away.
func (w *Watcher) dropDir(dir string) {
	rel, ok := fs.Rel(w.m.root, dir)
	if !ok {
		return
	}
	for _, src := range w.m.reg.Sources() {
		if strings.HasPrefix(src, rel+"/") {
			if _, err := w.m.Unload(src); err != nil {
				logx.Log.Warn().Str("file", src).Err(err).Msg("unload")
			}
		}
	}
}

// rescanDir picks up modules in a folder that appeared after startup.
func (w *Watcher) rescanDir(ctx context.Context, dir string) {
	_ = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && p != dir && fs.Hidden(d.Name()) {
			return filepath.SkipDir
		}
		if !d.IsDir() && filepath.Ext(p) == script.Extension {
			w.schedule(ctx, p)
		}
		return nil
	})
}

func (w *Watcher) schedule(ctx context.Context, file string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[file]; ok {
		t.Stop()
	}
	w.timers[file] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, file)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := w.m.Refresh(ctx, file); err != nil {
			logx.Log.Error().Str("file", file).Err(err).Msg("hot reload failed")
		}
	})
}

// Close stops the watcher and cancels pending reloads.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	w.wg.Wait()
	w.mu.Lock()
	for f, t := range w.timers {
		t.Stop()
		delete(w.timers, f)
	}
	w.mu.Unlock()
	return err
}
