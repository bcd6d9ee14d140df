package poller

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LogEvent is one new line observed in the tailed file.
type LogEvent struct {
	LineNumber int
	Line       string
	Position   int64
	Timestamp  time.Time
}

// LogWatcher tails a growing file and publishes each new line,
// optionally filtered and transformed. It is the file-based
// alternative to the database poller and advances a byte-offset
// cursor the same way.
type LogWatcher struct {
	path      string
	filter    *regexp.Regexp
	transform func(LogEvent) LogEvent
	handle    func(context.Context, LogEvent)
	log       *slog.Logger

	offset atomic.Int64
	lines  atomic.Int64
}

// NewLogWatcher creates a watcher for path. filter and transform may
// be nil; handle receives every surviving event.
func NewLogWatcher(path string, filter *regexp.Regexp, transform func(LogEvent) LogEvent, handle func(context.Context, LogEvent), log *slog.Logger) *LogWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &LogWatcher{
		path:      path,
		filter:    filter,
		transform: transform,
		handle:    handle,
		log:       log,
	}
}

// Offset returns the byte cursor.
func (w *LogWatcher) Offset() int64 { return w.offset.Load() }

// SetOffset positions the cursor, typically at the file's current end
// to skip history.
func (w *LogWatcher) SetOffset(off int64) { w.offset.Store(off) }

// SeekEnd moves the cursor to the current end of file.
func (w *LogWatcher) SeekEnd() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	w.offset.Store(info.Size())
	return nil
}

// Run watches until ctx is cancelled. The file must exist.
func (w *LogWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	// Catch up with anything appended before the watch began.
	w.Drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Write) {
				w.Drain(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("log watch error", "error", err)
		}
	}
}

// Drain reads every complete new line past the cursor. On a read
// error the cursor stays put and the next write retries.
func (w *LogWatcher) Drain(ctx context.Context) {
	f, err := os.Open(w.path)
	if err != nil {
		w.log.Warn("log open failed, will retry", "path", w.path, "error", err)
		return
	}
	defer f.Close()

	pos := w.offset.Load()
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		w.log.Warn("log seek failed", "offset", pos, "error", err)
		return
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			// A partial trailing line stays for the next drain.
			return
		}
		pos += int64(len(line))
		w.offset.Store(pos)

		text := line[:len(line)-1]
		if len(text) > 0 && text[len(text)-1] == '\r' {
			text = text[:len(text)-1]
		}
		ev := LogEvent{
			LineNumber: int(w.lines.Add(1)),
			Line:       text,
			Position:   pos,
			Timestamp:  time.Now(),
		}
		if w.filter != nil && !w.filter.MatchString(ev.Line) {
			continue
		}
		if w.transform != nil {
			ev = w.transform(ev)
		}
		if w.handle != nil {
			w.handle(ctx, ev)
		}
	}
}
