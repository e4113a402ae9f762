// Package records loads the line-delimited JSON input file.
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

// ErrNullRecord is returned for a line holding the JSON literal null.
var ErrNullRecord = errors.New("record is null")

// Record is one parsed input line. Field values stay raw JSON so they can be
// rendered in their original key order. A nil map means the line was valid
// JSON but not an object; every field of such a record is undefined.
type Record map[string]json.RawMessage

// Field returns the raw value of name and whether it is defined.
func (r Record) Field(name string) (json.RawMessage, bool) {
	v, ok := r[name]
	return v, ok
}

// Loader reads records from a file on fs.
type Loader struct {
	fs afero.Fs
}

// NewLoader returns a loader backed by fs.
func NewLoader(fs afero.Fs) *Loader {
	return &Loader{fs: fs}
}

// Exists reports whether path can be stat'ed.
func (l *Loader) Exists(path string) bool {
	_, err := l.fs.Stat(path)
	return err == nil
}

// Load reads path fully and parses every non-empty line. Any read or parse
// failure fails the whole load.
func (l *Loader) Load(ctx context.Context, path string) ([]Record, error) {
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Parse(string(data))
}

// Parse splits text on '\n', drops empty lines and decodes each remaining
// line. Whitespace-only lines are not empty and fail to parse.
func Parse(text string) ([]Record, error) {
	lines := strings.Split(text, "\n")
	out := make([]Record, 0, len(lines))
	for i, line := range lines {
		if line == "" {
			continue
		}
		rec, err := parseLine([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseLine(line []byte) (Record, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		return nil, ErrNullRecord
	case len(trimmed) > 0 && trimmed[0] == '{':
		var rec Record
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return nil, err
		}
		if rec == nil {
			rec = Record{}
		}
		return rec, nil
	default:
		return Record(nil), nil
	}
}
