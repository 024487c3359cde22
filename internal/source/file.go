package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileOptions controls FileSource behavior.
type FileOptions struct {
	// Path is a JSONL file, a directory of *.jsonl files, or "-" for stdin.
	Path  string
	Watch bool
	// When true and in Watch mode, start files at EOF on startup to avoid
	// re-reading existing lines each time the process starts.
	TailFromEnd bool
	Logger      *zap.SugaredLogger
	// Stdin overrides os.Stdin for Path "-".
	Stdin io.Reader
}

// FileSource reads JSON-lines message records (one-shot or watch mode).
type FileSource struct {
	opts FileOptions

	offsets map[string]int64 // per-file tail offset
	mu      sync.Mutex

	handled int
	errors  int
}

func NewFileSource(opts FileOptions) *FileSource {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	opts.Logger = opts.Logger.Named("file-source")
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	return &FileSource{opts: opts, offsets: make(map[string]int64)}
}

func (fs *FileSource) Name() string { return "file" }

// Stats returns the number of records handled and rejected so far.
func (fs *FileSource) Stats() (handled, errors int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.handled, fs.errors
}

// Run reads every existing record, then in watch mode tails appended lines
// until ctx ends.
func (fs *FileSource) Run(ctx context.Context, h Handler) error {
	if fs.opts.Path == "-" {
		_, err := fs.consume(ctx, fs.opts.Stdin, h, "stdin")
		return err
	}

	info, err := os.Stat(fs.opts.Path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", fs.opts.Path, err)
	}
	dir := fs.opts.Path
	if !info.IsDir() {
		dir = filepath.Dir(fs.opts.Path)
	}

	if err := fs.scanOnce(ctx, h, info.IsDir()); err != nil {
		return err
	}
	if !fs.opts.Watch {
		handled, rejected := fs.Stats()
		fs.opts.Logger.Infow("one-shot read complete", "handled", handled, "errors", rejected)
		return nil
	}
	return fs.watchLoop(ctx, h, dir)
}

func (fs *FileSource) matches(path string) bool {
	if info, err := os.Stat(fs.opts.Path); err == nil && !info.IsDir() {
		return filepath.Clean(path) == filepath.Clean(fs.opts.Path)
	}
	ok, _ := filepath.Match("*.jsonl", strings.ToLower(filepath.Base(path)))
	return ok
}

func (fs *FileSource) scanOnce(ctx context.Context, h Handler, isDir bool) error {
	paths := []string{fs.opts.Path}
	if isDir {
		entries, err := os.ReadDir(fs.opts.Path)
		if err != nil {
			return fmt.Errorf("read dir: %w", err)
		}
		paths = paths[:0]
		for _, e := range entries {
			p := filepath.Join(fs.opts.Path, e.Name())
			if !e.IsDir() && fs.matches(p) {
				paths = append(paths, p)
			}
		}
	}

	for _, p := range paths {
		if fs.opts.Watch && fs.opts.TailFromEnd {
			if st, err := os.Stat(p); err == nil {
				fs.setOffset(p, st.Size())
			}
			continue
		}
		if err := fs.tail(ctx, p, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fs.opts.Logger.Warnw("read failed", "path", p, "error", err)
		}
	}
	return nil
}

func (fs *FileSource) watchLoop(ctx context.Context, h Handler, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch add: %w", err)
	}
	fs.opts.Logger.Infow("watching", "dir", dir, "path", fs.opts.Path)

	for {
		select {
		case <-ctx.Done():
			handled, rejected := fs.Stats()
			fs.opts.Logger.Infow("watch stopping", "handled", handled, "errors", rejected)
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !fs.matches(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if err := fs.tail(ctx, ev.Name, h); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					fs.opts.Logger.Warnw("tail failed", "path", ev.Name, "error", err)
				}
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				fs.setOffset(ev.Name, 0)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fs.opts.Logger.Warnw("watch error", "error", err)
		}
	}
}

// tail reads complete lines of path from its last offset.
func (fs *FileSource) tail(ctx context.Context, path string, h Handler) error {
	f, err := os.Open(path)
	if err != nil {
		// File might be transiently missing (rename/rotate)
		return err
	}
	defer f.Close()

	offset := fs.offset(path)
	if st, err := f.Stat(); err == nil && st.Size() < offset {
		// Truncated: start over.
		offset = 0
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
	}

	n, err := fs.consume(ctx, f, h, path)
	fs.setOffset(path, offset+n)
	return err
}

// consume handles newline-terminated records from r and returns the number
// of bytes of complete lines read. A trailing partial line is left for the
// next call in watch mode; otherwise it is handled at EOF.
func (fs *FileSource) consume(ctx context.Context, r io.Reader, h Handler, name string) (int64, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	flushPartial := name == "stdin" || !fs.opts.Watch
	var consumed int64
	for {
		line, err := br.ReadBytes('\n')
		complete := err == nil
		if !complete && !(errors.Is(err, io.EOF) && flushPartial && len(line) > 0) {
			if errors.Is(err, io.EOF) {
				return consumed, nil
			}
			return consumed, err
		}
		consumed += int64(len(line))

		if herr := fs.handleLine(ctx, bytes.TrimSpace(line), h, name); herr != nil {
			return consumed, herr
		}
		if !complete {
			return consumed, nil
		}
	}
}

func (fs *FileSource) handleLine(ctx context.Context, line []byte, h Handler, name string) error {
	if len(line) == 0 {
		return nil
	}
	msg, err := DecodeMessage(line)
	if err != nil {
		fs.countError()
		if !errors.Is(err, ErrSkip) {
			fs.opts.Logger.Warnw("bad record", "source", name, "error", err)
		}
		return nil
	}
	if err := h(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fs.countError()
		fs.opts.Logger.Warnw("handler failed", "source", name, "error", err)
		return nil
	}
	fs.mu.Lock()
	fs.handled++
	fs.mu.Unlock()
	return nil
}

func (fs *FileSource) countError() {
	fs.mu.Lock()
	fs.errors++
	fs.mu.Unlock()
}

func (fs *FileSource) offset(path string) int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.offsets[filepath.Clean(path)]
}

func (fs *FileSource) setOffset(path string, off int64) {
	fs.mu.Lock()
	fs.offsets[filepath.Clean(path)] = off
	fs.mu.Unlock()
}
