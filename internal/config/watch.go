package config

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a config file and publishes a freshly validated
// snapshot on Changes. It never mutates a Settings already handed out —
// callers swap their pointer when a new snapshot arrives.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	Changes chan *Settings
}

// WatchFile starts watching path for writes and re-running Load on change.
// Invalid reloads are logged and skipped; the last-good snapshot stands.
func WatchFile(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{path: path, watcher: fw, Changes: make(chan *Settings, 1)}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for event := range w.watcher.Events {
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			continue
		}
		fresh, err := Load(w.path)
		if err != nil {
			log.Printf("config: reload of %s rejected: %v", w.path, err)
			continue
		}
		w.Changes <- fresh
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
