package flowgraph

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// WatcherConfig — конфигурация Watcher.
type WatcherConfig struct {
	// Dir — директория Node-RED, в которой лежит flows.json.
	Dir string

	// File — имя файла flow (default: flows.json).
	File string

	// Options — параметры построения графа.
	Options Options

	// Debounce — пауза после последнего события перед перезагрузкой (default: 200ms).
	Debounce time.Duration

	// OnReload вызывается после каждой попытки перезагрузки.
	// err != nil — граф не подменялся.
	OnReload func(g *Graph, err error)

	Logger *slog.Logger
}

// Watcher следит за flows.json и подменяет граф в Holder.
//
// Node-RED сохраняет flows.json через временный файл и rename, поэтому
// отслеживается директория, а не сам файл.
type Watcher struct {
	holder   *Holder
	dir      string
	file     string
	opts     Options
	debounce time.Duration
	onReload func(*Graph, error)
	logger   *slog.Logger
}

// NewWatcher создаёт Watcher.
func NewWatcher(holder *Holder, cfg WatcherConfig) *Watcher {
	if cfg.File == "" {
		cfg.File = "flows.json"
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Watcher{
		holder:   holder,
		dir:      cfg.Dir,
		file:     cfg.File,
		opts:     cfg.Options,
		debounce: cfg.Debounce,
		onReload: cfg.OnReload,
		logger:   cfg.Logger,
	}
}

// Path возвращает полный путь к flows.json.
func (w *Watcher) Path() string {
	return filepath.Join(w.dir, w.file)
}

// Load синхронно читает flows.json и подменяет граф.
func (w *Watcher) Load() (*Graph, error) {
	g, err := LoadFile(w.Path(), w.opts)
	if err != nil {
		return nil, err
	}
	w.holder.Store(g)
	return g, nil
}

// Run отслеживает изменения до отмены контекста.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.logger.Info("watching flow file", "path", w.Path())

	// Таймер debounce: серия событий при сохранении даёт одну перезагрузку
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != w.file {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fs watcher error", "error", err)

		case <-timer.C:
			w.reload()
		}
	}
}

// reload перестраивает граф; при ошибке остаётся прежний граф.
func (w *Watcher) reload() {
	g, err := w.Load()
	if err != nil {
		w.logger.Error("flow reload failed, keeping previous graph",
			"path", w.Path(),
			"error", err,
		)
	} else {
		w.logger.Info("flow graph reloaded",
			"path", w.Path(),
			"nodes", g.Size(),
		)
	}

	if w.onReload != nil {
		w.onReload(g, err)
	}
}
