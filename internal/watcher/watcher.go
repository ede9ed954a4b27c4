// Package watcher mirrors a directory of markdown files into draft
// autosaves. Every write to a .md file becomes a draft on its note;
// publishing stays an explicit, separate act.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/frontmatter"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/model"
	"github.com/foliant-labs/folio/internal/publish"
)

// Options configures a Watcher.
type Options struct {
	Dir      string
	Debounce time.Duration
}

// DefaultDebounce batches rapid editor writes into one autosave.
const DefaultDebounce = 2 * time.Second

// front is the recognized frontmatter of a watched file.
type front struct {
	NoteID string            `yaml:"note_id" toml:"note_id"`
	Title  string            `yaml:"title" toml:"title"`
	Tags   []string          `yaml:"tags" toml:"tags"`
	Fields map[string]string `yaml:"fields" toml:"fields"`
}

// Watcher tails a directory and autosaves drafts through the
// coordinator. Files map to notes by the note_id frontmatter key, or by
// a note created on first sight and remembered for the process
// lifetime.
type Watcher struct {
	coord *publish.Coordinator
	log   *logrus.Logger
	opts  Options

	mu    sync.Mutex
	notes map[string]string // file path -> note id
}

// New builds a watcher over dir. The directory must exist.
func New(coord *publish.Coordinator, log *logrus.Logger, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, faults.Wrap(faults.Validation, err, "watch dir %s", opts.Dir)
	}
	if !info.IsDir() {
		return nil, faults.New(faults.Validation, "watch path %s is not a directory", opts.Dir)
	}
	return &Watcher{
		coord: coord,
		log:   log,
		opts:  opts,
		notes: make(map[string]string),
	}, nil
}

// Run blocks until ctx is done. Changed files are debounced and then
// autosaved; watch errors are logged, never fatal.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return faults.Wrap(faults.StorageIO, err, "create watcher")
	}
	defer fw.Close()

	for _, d := range subdirs(w.opts.Dir) {
		if err := fw.Add(d); err != nil {
			w.log.WithError(err).WithField("dir", d).Warn("cannot watch directory")
		}
	}
	w.log.WithField("dir", w.opts.Dir).Info("watching for draft changes")

	var (
		mu      sync.Mutex
		pending = make(map[string]bool)
		timer   *time.Timer
	)
	flush := func() {
		mu.Lock()
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		pending = make(map[string]bool)
		mu.Unlock()
		for _, p := range paths {
			w.autosave(ctx, p)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".md") {
				// New subdirectories join the watch set.
				if event.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := fw.Add(event.Name); err != nil {
							w.log.WithError(err).WithField("dir", event.Name).Warn("cannot watch directory")
						}
					}
				}
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				mu.Lock()
				pending[event.Name] = true
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(w.opts.Debounce, flush)
				mu.Unlock()
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("watch error")
		}
	}
}

// Sync autosaves every markdown file under the directory once. Used at
// startup so edits made while the watcher was down are not lost.
func (w *Watcher) Sync(ctx context.Context) error {
	return filepath.WalkDir(w.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		w.autosave(ctx, path)
		return nil
	})
}

func (w *Watcher) autosave(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted before the debounce fired. Drafts are kept; the
			// note owner decides what happens to them.
			return
		}
		w.log.WithError(err).WithField("file", path).Error("read failed")
		return
	}

	var fm front
	body, err := frontmatter.Parse(strings.NewReader(string(data)), &fm)
	if err != nil {
		w.log.WithError(err).WithField("file", path).Warn("bad frontmatter, treating file as plain markdown")
		body = data
		fm = front{}
	}

	meta := model.Metadata{Tags: fm.Tags, Fields: fm.Fields}
	noteID, err := w.noteFor(ctx, path, fm, string(body), meta)
	if err != nil {
		w.log.WithError(err).WithField("file", path).Error("cannot map file to a note")
		return
	}

	if _, err := w.coord.SaveDraft(ctx, noteID, string(body), meta); err != nil {
		w.log.WithError(err).WithField("file", path).Error("draft autosave failed")
		return
	}
	w.log.WithFields(logrus.Fields{"file": filepath.Base(path), "note": noteID}).Debug("draft autosaved")
}

// noteFor resolves the note a file feeds. Frontmatter note_id wins;
// otherwise the first autosave creates the note and later ones reuse it.
func (w *Watcher) noteFor(ctx context.Context, path string, fm front, body string, meta model.Metadata) (string, error) {
	if fm.NoteID != "" {
		w.remember(path, fm.NoteID)
		return fm.NoteID, nil
	}

	w.mu.Lock()
	id, ok := w.notes[path]
	w.mu.Unlock()
	if ok {
		return id, nil
	}

	title := fm.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	note, err := w.coord.CreateNote(ctx, title, body, meta)
	if err != nil {
		return "", err
	}
	w.remember(path, note.ID)
	return note.ID, nil
}

func (w *Watcher) remember(path, noteID string) {
	w.mu.Lock()
	w.notes[path] = noteID
	w.mu.Unlock()
}

func subdirs(root string) []string {
	var dirs []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs
}
