// Package responselog keeps a copy of the most recent response on disk.
package responselog

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/afero"
)

// FileName is the log file, relative to the working directory.
const FileName = "last_response.xml"

// Writer overwrites the log file with each document it is given. Writes are
// serialized so the file always holds one complete document.
type Writer struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
}

// NewWriter returns a writer for FileName on fs.
func NewWriter(fs afero.Fs) *Writer {
	return &Writer{fs: fs, path: FileName}
}

// Path returns the file the writer replaces.
func (w *Writer) Path() string {
	return w.path
}

// Write replaces the log file contents with doc.
func (w *Writer) Write(ctx context.Context, doc []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := afero.WriteFile(w.fs, w.path, doc, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", w.path, err)
	}
	return nil
}
