package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/qwibitai/nanoclaw-sub014/internal/bus"
	otelx "github.com/qwibitai/nanoclaw-sub014/internal/otel"
)

// requestDirs are the subdirectories scanned for request files; responses and
// errors are output only.
var requestDirs = []string{"messages", "tasks"}

// treeDirs is the full per-group layout.
var treeDirs = []string{"messages", "tasks", "responses", "errors"}

// EnsureTree creates the IPC directory layout for one group.
func EnsureTree(root, folder string) error {
	for _, d := range treeDirs {
		if err := os.MkdirAll(filepath.Join(root, folder, d), 0o755); err != nil {
			return fmt.Errorf("ipc tree for %s: %w", folder, err)
		}
	}
	return nil
}

// WatcherConfig tunes the file watcher.
type WatcherConfig struct {
	Root         string
	PollInterval time.Duration
	MaxFileSize  int64
}

// Watcher turns JSON files under <root>/<folder>/{messages,tasks} into handler
// calls. It polls on a fixed interval and uses fsnotify only as a wake hint,
// so a lost notification costs at most one poll interval.
type Watcher struct {
	cfg      WatcherConfig
	handler  *Handler
	schemas  *schemaSet
	eventBus *bus.Bus
	metrics  *otelx.Metrics
	logger   *slog.Logger
	wake     chan struct{}
}

func NewWatcher(cfg WatcherConfig, handler *Handler, eventBus *bus.Bus, metrics *otelx.Metrics, logger *slog.Logger) (*Watcher, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:      cfg,
		handler:  handler,
		schemas:  schemas,
		eventBus: eventBus,
		metrics:  metrics,
		logger:   logger.With("component", "ipc-watcher"),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Start runs the poll loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.Root, 0o755); err != nil {
		return fmt.Errorf("ipc root: %w", err)
	}
	w.startNotify(ctx)

	go func() {
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-w.wake:
			}
			w.Scan(ctx)
		}
	}()
	return nil
}

// startNotify subscribes to filesystem events under the request directories
// and converts them into wake hints. Best effort: failures just leave the
// poll interval as the latency bound.
func (w *Watcher) startNotify(ctx context.Context) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling only", "error", err)
		return
	}

	addAll := func() {
		_ = fsw.Add(w.cfg.Root)
		entries, err := os.ReadDir(w.cfg.Root)
		if err != nil {
			return
		}
		for _, ent := range entries {
			if !ent.IsDir() {
				continue
			}
			for _, d := range requestDirs {
				dir := filepath.Join(w.cfg.Root, ent.Name(), d)
				if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
					_ = fsw.Add(dir)
				}
			}
		}
	}
	addAll()

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create != 0 {
					// New group directories need their request dirs watched.
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						addAll()
					}
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.wake <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("fsnotify error", "error", err)
			}
		}
	}()
}

type pendingFile struct {
	folder  string
	path    string
	modTime time.Time
}

// Scan processes every pending request file once, oldest first.
func (w *Watcher) Scan(ctx context.Context) {
	files := w.collect()
	for _, f := range files {
		if ctx.Err() != nil {
			return
		}
		w.processFile(ctx, f)
	}
}

func (w *Watcher) collect() []pendingFile {
	var files []pendingFile
	entries, err := os.ReadDir(w.cfg.Root)
	if err != nil {
		return nil
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		folder := ent.Name()
		for _, d := range requestDirs {
			dir := filepath.Join(w.cfg.Root, folder, d)
			reqs, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, req := range reqs {
				if req.IsDir() || !strings.HasSuffix(req.Name(), ".json") {
					continue
				}
				info, err := req.Info()
				if err != nil {
					continue
				}
				files = append(files, pendingFile{
					folder:  folder,
					path:    filepath.Join(dir, req.Name()),
					modTime: info.ModTime(),
				})
			}
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].path < files[j].path
	})
	return files
}

func (w *Watcher) processFile(ctx context.Context, f pendingFile) {
	info, err := os.Stat(f.path)
	if err != nil {
		return // picked up by a concurrent scan or removed
	}
	if info.Size() > w.cfg.MaxFileSize {
		w.logger.Warn("oversized ipc file skipped", "folder", f.folder, "file", filepath.Base(f.path), "size", info.Size())
		_ = os.Rename(f.path, f.path+".oversized")
		w.reject(f, "", "file exceeds size limit")
		return
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		w.logger.Warn("unreadable ipc file", "file", f.path, "error", err)
		return
	}

	req, err := w.schemas.parseRequest(data)
	if err != nil {
		w.logger.Warn("malformed ipc file", "folder", f.folder, "file", filepath.Base(f.path), "error", err)
		w.moveToErrors(f, err.Error())
		w.reject(f, "", err.Error())
		return
	}

	result, err := w.handler.Handle(ctx, f.folder, req)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, ErrUnauthorized) {
			w.logger.Log(ctx, level, "unauthorized ipc request", "folder", f.folder, "kind", req.Kind)
		} else {
			w.logger.Log(ctx, level, "ipc request failed", "folder", f.folder, "kind", req.Kind, "error", err)
		}
		w.moveToErrors(f, err.Error())
		w.reject(f, req.Kind, err.Error())
		return
	}

	w.writeResponse(f, result)
	_ = os.Remove(f.path)

	if w.metrics != nil {
		w.metrics.IPCFiles.Add(ctx, 1)
	}
	if w.eventBus != nil {
		w.eventBus.Publish(bus.TopicIPCProcessed, bus.IPCEvent{
			Folder: f.folder, Kind: req.Kind, File: filepath.Base(f.path),
		})
	}
	w.logger.Info("ipc request processed", "folder", f.folder, "kind", req.Kind, "file", filepath.Base(f.path))
}

func (w *Watcher) reject(f pendingFile, kind, reason string) {
	if w.metrics != nil {
		w.metrics.IPCRejects.Add(context.Background(), 1)
	}
	if w.eventBus != nil {
		w.eventBus.Publish(bus.TopicIPCRejected, bus.IPCEvent{
			Folder: f.folder, Kind: kind, File: filepath.Base(f.path), Reason: reason,
		})
	}
}

func (w *Watcher) moveToErrors(f pendingFile, reason string) {
	errDir := filepath.Join(w.cfg.Root, f.folder, "errors")
	_ = os.MkdirAll(errDir, 0o755)
	base := filepath.Base(f.path)
	dest := filepath.Join(errDir, base)
	if err := os.Rename(f.path, dest); err != nil {
		_ = os.Remove(f.path)
		return
	}
	_ = os.WriteFile(dest+".reason", []byte(reason+"\n"), 0o644)
}

func (w *Watcher) writeResponse(f pendingFile, result map[string]any) {
	respDir := filepath.Join(w.cfg.Root, f.folder, "responses")
	_ = os.MkdirAll(respDir, 0o755)
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	dest := filepath.Join(respDir, filepath.Base(f.path))
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, dest)
}
