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

// Package kmsgparser implements a reader and parser for the Linux `/dev/kmsg`
// format.
// More information about this format may be found here:
// https://www.kernel.org/doc/Documentation/ABI/testing/dev-kmsg
package kmsgparser

import (
	"io"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// DefaultDevice is the kernel log device read by default.
	DefaultDevice = "/dev/kmsg"
	// MaxFrameSize is the largest record a single kmsg read can return
	// (CONSOLE_EXT_LOG_MAX).
	MaxFrameSize = 8192
)

var (
	// ErrUnsupported is returned when the kernel does not support reading
	// structured records from the device (kernels older than 3.5).
	ErrUnsupported = errors.New("kmsg read not supported by this kernel")
	// ErrInvalidFormat indicates a frame did not match the kmsg record grammar.
	ErrInvalidFormat = errors.New("invalid kmsg format")
)

// Stats counts what a Reader has seen so far.
type Stats struct {
	Frames   uint64 // frames successfully read from the device
	Dropped  uint64 // frames that failed to parse
	Overruns uint64 // reads that hit EPIPE and were retried
}

// Reader pulls one Record at a time from the kernel log device. It performs
// exactly one device read per frame and does no read-ahead.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	log    Logger
	device string
	src    io.Reader
	raw    syscall.RawConn
	// follow indicates whether we should stop when we hit the end of the kmsg
	// buffer, or keep reading. Similar to dmesg --follow.
	// Default true
	follow bool
	buf    []byte
	stats  Stats
}

// Option is a configuration option for [NewReader]
type Option func(r *Reader)

// WithNoFollow configures [Reader] to report io.EOF when it reaches the end
// of the kmsg buffer instead of blocking for new records.
func WithNoFollow() Option {
	return func(r *Reader) {
		r.follow = false
	}
}

// WithLogger configures the [Reader]'s [Logger]
func WithLogger(log Logger) Option {
	return func(r *Reader) {
		r.log = log
	}
}

// WithDevice sets the path of the device to open. Defaults to [DefaultDevice].
func WithDevice(path string) Option {
	return func(r *Reader) {
		r.device = path
	}
}

// WithSource makes the [Reader] read frames from src instead of opening a
// device. Each Read call on src must return at most one frame.
func WithSource(src io.Reader) Option {
	return func(r *Reader) {
		r.src = src
	}
}

// NewReader constructs a new Reader with the given Options.
func NewReader(opts ...Option) (*Reader, error) {
	r := &Reader{
		log:    logrus.StandardLogger(),
		device: DefaultDevice,
		follow: true,
		buf:    make([]byte, MaxFrameSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.src == nil {
		f, err := os.Open(r.device)
		if err != nil {
			return nil, errors.Wrapf(err, "could not open %s", r.device)
		}
		r.src = f
	}
	if !r.follow {
		if err := r.setNonblock(); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// setNonblock switches a device file into non-blocking mode so the end of
// the ring buffer shows up as EAGAIN. Go's poller would otherwise park the
// read until a new record arrives, so reads then go through the RawConn.
func (r *Reader) setNonblock() error {
	f, ok := r.src.(*os.File)
	if !ok {
		return nil
	}
	raw, err := f.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "unable to get raw kmsg conn")
	}
	if ctrlErr := raw.Control(func(fd uintptr) {
		err = unix.SetNonblock(int(fd), true)
	}); ctrlErr != nil {
		return errors.Wrap(ctrlErr, "error calling control on kmsg reader")
	}
	if err != nil {
		return errors.Wrap(err, "unable to set nonblocking on fd")
	}
	r.raw = raw
	return nil
}

// SeekEnd moves the reader to the end of the kmsg queue so only records
// logged from now on are returned.
func (r *Reader) SeekEnd() error {
	s, ok := r.src.(io.Seeker)
	if !ok {
		return errors.Errorf("%s is not seekable", r.device)
	}
	_, err := s.Seek(0, io.SeekEnd)
	return errors.Wrapf(err, "could not seek to end of %s", r.device)
}

// Stats returns the reader's counters.
func (r *Reader) Stats() Stats {
	return r.stats
}

// Close closes the underlying device.
func (r *Reader) Close() error {
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Next blocks until the next well-formed record is available.
//
// It returns io.EOF once the stream is done: the device returned a
// zero-length read, or the end of the buffer was reached in no-follow mode.
// ErrUnsupported is returned on kernels that cannot read structured records.
// Any other read failure is returned wrapped and is terminal.
func (r *Reader) Next() (Record, error) {
	for {
		// Each read call gives us one full message.
		n, err := r.read()
		switch {
		case err == nil && n > 0:
		case errors.Is(err, unix.EPIPE):
			// The ring buffer moved under us; the next read returns the next
			// available record.
			r.stats.Overruns++
			r.log.Warningf("kmsg buffer overrun; skipping")
			continue
		case errors.Is(err, unix.EINVAL):
			return Record{}, errors.Wrapf(ErrUnsupported, "read %s: %v", r.device, err)
		case !r.follow && errors.Is(err, unix.EAGAIN):
			r.log.Infof("reached end of %s", r.device)
			return Record{}, io.EOF
		case err == nil, errors.Is(err, io.EOF):
			r.log.Infof("%s closed, shutting down", r.device)
			return Record{}, io.EOF
		default:
			return Record{}, errors.Wrapf(err, "error reading %s", r.device)
		}

		r.stats.Frames++
		rec, err := ParseRecord(r.buf[:n])
		if err != nil {
			r.stats.Dropped++
			r.log.Debugf("unable to parse kmsg frame %q: %v", r.buf[:n], err)
			continue
		}
		return rec, nil
	}
}

func (r *Reader) read() (int, error) {
	if r.raw == nil {
		return r.src.Read(r.buf)
	}
	var n int
	var err error
	if readErr := r.raw.Read(func(fd uintptr) bool {
		n, err = unix.Read(int(fd), r.buf)
		return true
	}); readErr != nil {
		return 0, readErr
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}
