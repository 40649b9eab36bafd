/*
Copyright 2016 Euan Kemp

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package rotate provides the sinks formatted kernel log lines are written
// to: a pass-through stream, and a size-capped file kept as a fixed number of
// numbered generations (path, path.1 ... path.N).
package rotate

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// DefaultMaxSize is the size after which the active file is rotated.
	DefaultMaxSize = 80 * 1024 * 1024
	// DefaultMaxFiles is the number of rotated generations kept.
	DefaultMaxFiles = 10

	fileMode = 0o644
)

// ErrPermission is returned when a rotation rename is refused with EACCES
// under [PolicyAbort].
var ErrPermission = errors.New("rotation blocked by permission error")

// Sink is where formatted lines end up.
type Sink interface {
	io.Writer
	io.Closer
}

var (
	_ Sink = (*StreamSink)(nil)
	_ Sink = (*FileSink)(nil)
)

// Policy decides what a failed rename during rotation does.
type Policy int

const (
	// PolicyAbort stops rotating and fails on the first EACCES rename error.
	// Other rename errors are logged and skipped.
	PolicyAbort Policy = iota
	// PolicyContinue logs every rename error and keeps going.
	PolicyContinue
)

func (p Policy) String() string {
	switch p {
	case PolicyAbort:
		return "abort"
	case PolicyContinue:
		return "continue"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "abort" or "continue".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "abort":
		return PolicyAbort, nil
	case "continue":
		return PolicyContinue, nil
	}
	return 0, errors.Errorf("unknown rotate policy %q", s)
}

// StreamSink passes every write straight through to an io.Writer. It never
// rotates and never closes the writer.
type StreamSink struct {
	w       io.Writer
	written uint64
}

// Stream returns a StreamSink writing to w.
func Stream(w io.Writer) *StreamSink {
	return &StreamSink{w: w}
}

func (s *StreamSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.written += uint64(n)
	return n, err
}

// Written returns the number of bytes written so far.
func (s *StreamSink) Written() uint64 {
	return s.written
}

// Close is a no-op; the underlying writer belongs to the caller.
func (s *StreamSink) Close() error {
	return nil
}

// FileSink appends to a file and rotates it once MaxSize bytes have been
// written to the current generation. Open, or the first Write if Open was
// never called, rotates unconditionally so every FileSink starts with a
// fresh file.
//
// A FileSink is not safe for concurrent use.
type FileSink struct {
	path     string
	maxSize  uint64
	maxFiles int
	policy   Policy
	log      logrus.FieldLogger

	file      *os.File // active file handle
	written   uint64   // bytes written since the file was (re)opened
	started   bool
	rotations int

	rename func(oldpath, newpath string) error
}

// Option configures a [FileSink].
type Option func(f *FileSink)

// WithMaxSize sets the rotation threshold in bytes.
func WithMaxSize(n uint64) Option {
	return func(f *FileSink) {
		f.maxSize = n
	}
}

// WithMaxFiles sets how many rotated generations are kept. Values below 1
// are raised to 1 so a rotation always moves the base file away.
func WithMaxFiles(n int) Option {
	return func(f *FileSink) {
		if n < 1 {
			n = 1
		}
		f.maxFiles = n
	}
}

// WithPolicy sets the rename failure policy.
func WithPolicy(p Policy) Option {
	return func(f *FileSink) {
		f.policy = p
	}
}

// WithLogger sets the logger rename failures are reported to.
func WithLogger(log logrus.FieldLogger) Option {
	return func(f *FileSink) {
		f.log = log
	}
}

// NewFile creates a FileSink for path. Nothing touches the disk until Open
// or the first Write.
func NewFile(path string, opts ...Option) *FileSink {
	f := &FileSink{
		path:     path,
		maxSize:  DefaultMaxSize,
		maxFiles: DefaultMaxFiles,
		policy:   PolicyAbort,
		log:      logrus.StandardLogger(),
		rename:   os.Rename,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Write appends p to the active file, then rotates if the size threshold
// has been reached. The line crossing the threshold stays in the old
// generation.
func (f *FileSink) Write(p []byte) (int, error) {
	if err := f.Open(); err != nil {
		return 0, err
	}
	if f.file == nil {
		return 0, errors.Wrapf(os.ErrClosed, "write %s", f.path)
	}
	n, err := f.file.Write(p)
	f.written += uint64(n)
	if err != nil {
		return n, errors.Wrapf(err, "write %s", f.path)
	}
	if f.written >= f.maxSize {
		if err := f.Rotate(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Open runs the startup rotation and opens a fresh base file. It does
// nothing once the sink has started.
func (f *FileSink) Open() error {
	if f.started {
		return nil
	}
	return f.Rotate()
}

// Rotate syncs and closes the active file, shifts every generation up by
// one and opens a fresh, empty file at the base path.
func (f *FileSink) Rotate() error {
	f.started = true
	if f.file != nil {
		if err := unix.Fdatasync(int(f.file.Fd())); err != nil {
			f.log.Warnf("fdatasync %s failed: %v", f.path, err)
		}
		if err := f.file.Close(); err != nil {
			f.log.Warnf("close %s failed: %v", f.path, err)
		}
		f.file = nil
	}
	f.written = 0
	if err := f.shift(); err != nil {
		return err
	}
	return f.open()
}

// shift renames path.(i) to path.(i+1) for i from maxFiles-1 down to 0,
// where generation 0 is the base path itself. The oldest generation is
// overwritten.
func (f *FileSink) shift() error {
	f.rotations++
	for i := f.maxFiles - 1; i >= 0; i-- {
		older, newer := f.Generation(i), f.Generation(i+1)
		err := f.rename(older, newer)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			f.log.Debugf("rename %s: %v", older, err)
		case errors.Is(err, unix.EACCES) && f.policy == PolicyAbort:
			return errors.Wrapf(ErrPermission, "rename %s: %v", older, err)
		default:
			f.log.Errorf("rename %s failed: %v", older, err)
		}
	}
	return nil
}

func (f *FileSink) open() error {
	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, fileMode)
	if err != nil {
		return errors.Wrapf(err, "open %s", f.path)
	}
	f.file = file
	return nil
}

// Generation returns the path of generation i; generation 0 is the base path.
func (f *FileSink) Generation(i int) string {
	if i == 0 {
		return f.path
	}
	return fmt.Sprintf("%s.%d", f.path, i)
}

// Written returns the bytes written since the last rotation.
func (f *FileSink) Written() uint64 {
	return f.written
}

// Rotations returns how many rotation passes have run, including the one
// at startup.
func (f *FileSink) Rotations() int {
	return f.rotations
}

// Close closes the active file, if any.
func (f *FileSink) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return errors.Wrapf(err, "close %s", f.path)
}
