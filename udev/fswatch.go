// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package udev

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// FsWatcher watches the /dev/dri directory for card nodes. It is used when
// the netlink socket is unavailable, e.g. inside a container. Node creation
// and removal are seen, connector hotplug is not.
type FsWatcher struct {
	dir     string
	handler Handler
	post    func(fn func())
	watcher *fsnotify.Watcher

	// only touched from post callbacks
	devices map[string]uint64
	done    chan struct{}
}

// NewFsWatcher starts watching dir. Handler calls are delivered through post.
func NewFsWatcher(dir string, handler Handler, post func(fn func())) (*FsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Errorf("fsnotify: %w", err)
	}
	err = watcher.Add(dir)
	if err != nil {
		watcher.Close()
		return nil, xerrors.Errorf("watch %s: %w", dir, err)
	}

	w := &FsWatcher{
		dir:     dir,
		handler: handler,
		post:    post,
		watcher: watcher,
		devices: make(map[string]uint64),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *FsWatcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warning("fsnotify:", err)
		}
	}
}

func (w *FsWatcher) handleEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !IsCardName(name) {
		return
	}
	path := ev.Name
	logger.Debug("fsnotify event:", ev)

	switch {
	case ev.Op&fsnotify.Create != 0:
		id, err := nodeID(path)
		if err != nil {
			logger.Warning(err)
			return
		}
		w.post(func() {
			if _, ok := w.devices[path]; ok {
				return
			}
			w.devices[path] = id
			w.handler.DeviceAdded(id, path)
		})
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.post(func() {
			id, ok := w.devices[path]
			if !ok {
				return
			}
			delete(w.devices, path)
			w.handler.DeviceRemoved(id)
		})
	case ev.Op&fsnotify.Chmod != 0:
		w.post(func() {
			if id, ok := w.devices[path]; ok {
				w.handler.DeviceChanged(id)
			}
		})
	}
}

// Enumerate announces the card nodes already in the directory. Must be
// called on the goroutine post delivers to.
func (w *FsWatcher) Enumerate() error {
	matches, err := filepath.Glob(filepath.Join(w.dir, "card*"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		if !IsCardName(filepath.Base(path)) {
			continue
		}
		if _, ok := w.devices[path]; ok {
			continue
		}
		id, err := nodeID(path)
		if err != nil {
			logger.Warning(err)
			continue
		}
		w.devices[path] = id
		w.handler.DeviceAdded(id, path)
	}
	return nil
}

func nodeID(path string) (uint64, error) {
	var st unix.Stat_t
	err := unix.Stat(path, &st)
	if err != nil {
		return 0, xerrors.Errorf("stat %s: %w", path, err)
	}
	return uint64(st.Rdev), nil
}

func (w *FsWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
