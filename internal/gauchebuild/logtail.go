package gauchebuild

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// lockedWriter serializes writes from the log follower and the pipeline.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// followLog copies everything written to path onto out until ctx is
// cancelled. out must be safe for concurrent use if anything else writes to
// it meanwhile. The returned channel is closed once the follower has flushed
// the last bytes and exited.
func followLog(ctx context.Context, path string, out io.Writer) (<-chan struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create log watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		f.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer f.Close()
		defer fsw.Close()

		drain := func() {
			if _, err := io.Copy(out, f); err != nil {
				debugf("log follower: %v", err)
			}
		}
		drain()
		for {
			select {
			case <-ctx.Done():
				drain()
				return
			case evt, ok := <-fsw.Events:
				if !ok {
					return
				}
				if evt.Has(fsnotify.Write) {
					drain()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				debugf("log watcher: %v", err)
			}
		}
	}()
	return done, nil
}

// tailLines returns up to n trailing lines of the file at path.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	const window = 64 * 1024
	offset := int64(0)
	if st.Size() > window {
		offset = st.Size() - window
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		// drop the partial first line
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), window)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, sc.Err()
}

func fileNotEmpty(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Size() > 0
}
