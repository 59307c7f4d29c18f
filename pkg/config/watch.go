package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a configuration file when it changes on disk.
type Watcher struct {
	fs   *fsnotify.Watcher
	once sync.Once
	done chan struct{}
	err  error
}

// Watch loads path and then calls onChange with every valid revision of the
// file. Revisions that fail to decode or verify go to onError and leave the
// previous configuration in effect. Callbacks run on the watcher goroutine
// until Stop.
func Watch(path string, onChange func(*Config), onError func(error)) (*Config, *Watcher, error) {
	if path == "" {
		return nil, nil, errors.New("watch: config path required")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}

	file := filepath.Clean(v.ConfigFileUsed())
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("watch: %w", err)
	}
	// the directory survives editors that replace the file by rename
	if err := fs.Add(filepath.Dir(file)); err != nil {
		_ = fs.Close()
		return nil, nil, fmt.Errorf("watch %s: %w", filepath.Dir(file), err)
	}

	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}
	w := &Watcher{fs: fs, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for {
			select {
			case e, ok := <-fs.Events:
				if !ok {
					return
				}
				if filepath.Clean(e.Name) != file || !e.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := v.ReadInConfig(); err != nil {
					report(fmt.Errorf("reload %s: %w", e.Name, err))
					continue
				}
				next, err := decode(v)
				if err != nil {
					report(fmt.Errorf("reload %s: %w", e.Name, err))
					continue
				}
				onChange(next)
			case err, ok := <-fs.Errors:
				if !ok {
					return
				}
				report(fmt.Errorf("watch %s: %w", file, err))
			}
		}
	}()
	return cfg, w, nil
}

// Stop closes the file watch and waits for a callback in progress to
// return. It must not be called from onChange or onError.
func (w *Watcher) Stop() error {
	w.once.Do(func() {
		w.err = w.fs.Close()
		<-w.done
	})
	return w.err
}

// Done is closed once the watcher goroutine has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }
