// Package watch turns files appearing in the capture directories into
// registered assets and queued uploads.
package watch

import (
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FsWatcher is the subset of *fsnotify.Watcher the capture loop needs.
// Tests substitute a mock with injectable channels.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Remove(name string) error      { return f.w.Remove(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// ignoredSuffixes are never captured: in-flight downloads and editor or
// database side files.
var ignoredSuffixes = []string{".partial", ".tmp", ".swp", ".crdownload", ".db", ".db-wal", ".db-shm"}

// ignored reports whether a file name is outside capture.
func ignored(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
		return true
	}

	lower := strings.ToLower(name)
	for _, ext := range ignoredSuffixes {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}

	return false
}
