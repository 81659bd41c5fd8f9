// Package tail locates and streams per-session logs. Sessions write to
// different files depending on how they were started, so the tailer resolves
// the live log from a fixed candidate list and remembers the winner.
package tail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zbell/afk/internal/cachemanager"
	"github.com/zbell/afk/internal/log"
	"github.com/zbell/afk/internal/paths"
)

// DefaultPoll is the follow-mode polling interval.
const DefaultPoll = 1 * time.Second

// DefaultResolveTTL bounds how long a resolved log mapping is trusted
// before the candidate scan runs again.
const DefaultResolveTTL = 1 * time.Minute

// ErrNoLog reports that a session has no log file under any candidate path.
var ErrNoLog = errors.New("no log file found")

// errNoContent distinguishes "every candidate is missing or empty" from a
// real failure inside the read-through fetch.
var errNoContent = errors.New("no candidate with content")

// Config holds tailer configuration options.
type Config struct {
	Paths paths.Layout

	// Poll is the follow-mode polling interval. Zero means DefaultPoll.
	Poll time.Duration

	// TTL bounds the resolved-path cache. Zero means DefaultResolveTTL.
	TTL time.Duration

	// NoCache re-resolves the log on every lookup.
	NoCache bool
}

// Tailer resolves and reads session logs.
type Tailer struct {
	paths    paths.Layout
	poll     time.Duration
	ttl      time.Duration
	resolved *cachemanager.ReadThroughCache[string, string, string]
}

// New creates a tailer over the given layout.
func New(cfg Config) *Tailer {
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPoll
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultResolveTTL
	}

	t := &Tailer{
		paths: cfg.Paths,
		poll:  cfg.Poll,
		ttl:   cfg.TTL,
	}

	backing := cachemanager.NewInMemoryCacheManager[string, string](
		"tail",
		cachemanager.DefaultExpiration,
		cachemanager.DefaultCleanupInterval,
	)
	t.resolved = cachemanager.NewReadThroughCache[string, string, string](backing, t.locate, cfg.NoCache)

	return t
}

// Candidates returns every path a session's log may live at, highest
// priority first.
func (t *Tailer) Candidates(id string) []string {
	return []string{
		t.paths.PrefixedSessionLog(id),
		t.paths.SessionLog(id),
		t.paths.WorkerLog(id),
		t.paths.MonitorLog(id),
		t.paths.AuxLog(id),
	}
}

// Resolve returns the log file for a session: the first candidate that
// exists and has content. The winner is cached per session.
func (t *Tailer) Resolve(ctx context.Context, id string) (string, error) {
	path, err := t.resolved.Get(ctx, id, id, t.ttl)
	if err == nil {
		return path, nil
	}
	if !errors.Is(err, errNoContent) {
		return "", err
	}

	// Nothing has content yet. An empty log that exists still reads as
	// empty rather than missing, so settle for presence without caching;
	// the winner can change once something writes.
	for _, candidate := range t.Candidates(id) {
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("session %s: %w", id, ErrNoLog)
}

// locate is the read-through fetch behind Resolve.
func (t *Tailer) locate(ctx context.Context, id string) (string, error) {
	for _, candidate := range t.Candidates(id) {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() || info.Size() == 0 {
			continue
		}

		log.Debug(log.CatTail, "resolved session log", "session", id, "path", candidate)

		return candidate, nil
	}

	return "", errNoContent
}

// Read returns the log content from offset to the end of the file, plus the
// offset to resume from. An empty log yields empty content, not an error.
// If the resolved file vanished, resolution starts over from offset zero.
func (t *Tailer) Read(ctx context.Context, id string, offset int64) ([]byte, int64, error) {
	path, err := t.Resolve(ctx, id)
	if err != nil {
		return nil, 0, err
	}

	data, next, err := readFrom(path, offset)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug(log.CatTail, "log vanished, re-resolving", "session", id, "path", path)
		t.resolved.Invalidate(ctx, id)

		path, err = t.Resolve(ctx, id)
		if err != nil {
			return nil, 0, err
		}

		return readFrom(path, 0)
	}

	return data, next, err
}

// readFrom reads path from offset to EOF. A file shorter than offset has
// been truncated and is re-read from the start.
func readFrom(path string, offset int64) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}

	size := info.Size()
	if size < offset {
		offset = 0
	}
	if size == offset {
		return nil, offset, nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}

	return data, offset + int64(len(data)), nil
}

// Follow streams the session log to sink, starting at offset, until ctx is
// canceled. It polls at the configured interval and wakes early on file
// system events. If the log disappears mid-follow it re-resolves and starts
// the new file from the beginning.
func (t *Tailer) Follow(ctx context.Context, id string, offset int64, sink io.Writer) error {
	path, err := t.Resolve(ctx, id)
	if err != nil {
		return err
	}

	watcher := newLogWatcher(path)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	var lastMod time.Time

	for {
		info, statErr := os.Stat(path)
		switch {
		case statErr != nil:
			// The file went away; hand resolution back to the candidate
			// scan and keep waiting if nothing has replaced it yet.
			log.Debug(log.CatTail, "log vanished, re-resolving", "session", id, "path", path)
			t.resolved.Invalidate(ctx, id)

			next, resolveErr := t.Resolve(ctx, id)
			if resolveErr == nil && next != path {
				path = next
				offset = 0
				lastMod = time.Time{}
				if watcher != nil {
					_ = watcher.fsWatcher.Add(filepath.Dir(path))
				}
				continue
			}

		case info.ModTime().After(lastMod) || info.Size() != offset:
			lastMod = info.ModTime()

			var data []byte
			data, offset, err = readFrom(path, offset)
			if err != nil {
				return err
			}
			if len(data) > 0 {
				if _, err := sink.Write(data); err != nil {
					return err
				}
			}
		}

		if err := waitForChange(ctx, ticker, watcher, path); err != nil {
			return err
		}
	}
}

// waitForChange blocks until the next poll tick, a relevant file system
// event, or ctx cancellation.
func waitForChange(ctx context.Context, ticker *time.Ticker, watcher *logWatcher, path string) error {
	var events <-chan fsnotify.Event
	if watcher != nil {
		events = watcher.fsWatcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			return nil
		}
	}
}

// logWatcher wraps fsnotify so follow mode degrades to pure polling when
// the platform watcher cannot be created.
type logWatcher struct {
	fsWatcher *fsnotify.Watcher
}

func newLogWatcher(path string) *logWatcher {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn(log.CatTail, "fsnotify unavailable, falling back to polling", "error", err)
		return nil
	}

	// Watch the directory containing the log; watching the file itself
	// breaks when the file is replaced.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		log.Warn(log.CatTail, "watch failed, falling back to polling", "path", path, "error", err)
		fsw.Close()
		return nil
	}

	return &logWatcher{fsWatcher: fsw}
}

func (w *logWatcher) Close() error {
	return w.fsWatcher.Close()
}

// Aggregate concatenates every non-empty candidate in ascending mtime order,
// each section introduced by a source marker. It serves as the fallback view
// when no single candidate has won resolution.
func (t *Tailer) Aggregate(ctx context.Context, id string) ([]byte, error) {
	type section struct {
		path string
		mod  time.Time
	}

	var sections []section
	for _, candidate := range t.Candidates(id) {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() || info.Size() == 0 {
			continue
		}
		sections = append(sections, section{path: candidate, mod: info.ModTime()})
	}

	if len(sections) == 0 {
		return nil, fmt.Errorf("session %s: %w", id, ErrNoLog)
	}

	sort.Slice(sections, func(i, j int) bool {
		return sections[i].mod.Before(sections[j].mod)
	})

	var out []byte
	for i, s := range sections {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", s.path, err)
		}

		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, fmt.Sprintf("==> %s <==\n", s.path)...)
		out = append(out, data...)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			out = append(out, '\n')
		}
	}

	return out, nil
}

// LastLines returns the trailing n lines of data. A trailing newline does
// not count as an extra line.
func LastLines(data []byte, n int) []string {
	if n <= 0 || len(data) == 0 {
		return nil
	}

	text := string(data)
	if text[len(text)-1] == '\n' {
		text = text[:len(text)-1]
	}
	if text == "" {
		return nil
	}

	lines := make([]string, 0, n)
	for end := len(text); end > 0 && len(lines) < n; {
		start := 0
		for i := end - 1; i >= 0; i-- {
			if text[i] == '\n' {
				start = i + 1
				break
			}
		}
		lines = append(lines, text[start:end])
		end = start - 1
	}

	// Collected tail-first; put them back in file order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}

	return lines
}
