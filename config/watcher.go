// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/xerrors"
)

// Watcher reloads the config file when it changes on disk. The directory is
// watched so that editors replacing the file are seen too.
type Watcher struct {
	filename string
	watcher  *fsnotify.Watcher
	onChange func(cfg *Config)
	post     func(fn func())
	done     chan struct{}
	once     sync.Once
}

// NewWatcher calls onChange through post with every successfully reloaded
// config. A nil post calls onChange on the watcher goroutine.
func NewWatcher(filename string, onChange func(cfg *Config), post func(fn func())) (*Watcher, error) {
	dir := filepath.Dir(filename)
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, xerrors.Errorf("create %s: %w", dir, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Errorf("fsnotify: %w", err)
	}
	err = fw.Add(dir)
	if err != nil {
		fw.Close()
		return nil, xerrors.Errorf("watch %s: %w", dir, err)
	}
	if post == nil {
		post = func(fn func()) { fn() }
	}
	w := &Watcher{
		filename: filepath.Clean(filename),
		watcher:  fw,
		onChange: onChange,
		post:     post,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.filename {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) &&
				!ev.Has(fsnotify.Remove) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warning("config watcher:", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.filename)
	if err != nil {
		logger.Warning(err)
		return
	}
	logger.Infof("reloaded %s", w.filename)
	w.post(func() { w.onChange(cfg) })
}

func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
