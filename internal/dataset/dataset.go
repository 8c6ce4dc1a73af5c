// Package dataset reads benchmark records from comma-delimited files.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultMaxLineBytes bounds a single dataset line.
const DefaultMaxLineBytes = 1 << 20

// Delimiter separates key from value. Only the first occurrence splits.
const Delimiter = ","

// Record is one key/value unit of benchmark work.
type Record struct {
	Key   string
	Value string
	// Line is the 1-based source line the record was read from.
	Line int
}

// Error reports an unreadable dataset or a malformed line. It is always fatal
// to a run.
type Error struct {
	Path string
	Line int
	Err  error
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("dataset %s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("dataset %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrMissingDelimiter marks a line without the key/value delimiter.
var ErrMissingDelimiter = errors.New("line has no delimiter")

// IsError reports whether err carries a dataset Error.
func IsError(err error) bool {
	var de *Error
	return errors.As(err, &de)
}

// Options tune Source behaviour.
type Options struct {
	// MaxLineBytes caps the scanner buffer. Zero selects DefaultMaxLineBytes.
	MaxLineBytes int
}

// Source is a lazy, forward-only, single-pass sequence of records.
type Source struct {
	path    string
	closer  io.Closer
	scanner *bufio.Scanner
	line    int
	done    bool
}

// Open opens path for reading with default options.
func Open(path string) (*Source, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions opens path for reading.
func OpenWithOptions(path string, opts Options) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return newSource(path, f, f, opts), nil
}

// NewReader wraps r as a Source. name is used in errors only.
func NewReader(name string, r io.Reader, opts Options) *Source {
	var closer io.Closer
	if c, ok := r.(io.Closer); ok {
		closer = c
	}
	return newSource(name, r, closer, opts)
}

func newSource(path string, r io.Reader, closer io.Closer, opts Options) *Source {
	maxLine := opts.MaxLineBytes
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	scanner := bufio.NewScanner(r)
	initial := 64 * 1024
	if initial > maxLine {
		initial = maxLine
	}
	scanner.Buffer(make([]byte, 0, initial), maxLine)
	return &Source{path: path, closer: closer, scanner: scanner}
}

// Next returns the next record, io.EOF once exhausted, or a *Error. After an
// error or io.EOF every further call returns io.EOF.
func (s *Source) Next() (Record, error) {
	if s.done {
		return Record{}, io.EOF
	}
	if !s.scanner.Scan() {
		s.done = true
		if err := s.scanner.Err(); err != nil {
			return Record{}, &Error{Path: s.path, Line: s.line + 1, Err: err}
		}
		return Record{}, io.EOF
	}
	s.line++
	text := strings.TrimSuffix(s.scanner.Text(), "\r")
	key, value, ok := strings.Cut(text, Delimiter)
	if !ok {
		s.done = true
		return Record{}, &Error{Path: s.path, Line: s.line, Err: ErrMissingDelimiter}
	}
	return Record{Key: key, Value: value, Line: s.line}, nil
}

// Lines returns the number of lines consumed so far.
func (s *Source) Lines() int {
	return s.line
}

// Path returns the name the source was opened with.
func (s *Source) Path() string {
	return s.path
}

// Close releases the underlying file.
func (s *Source) Close() error {
	s.done = true
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
