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

// Package tail copies kernel records from a reader into a sink, one line at
// a time, and maps how that ended to a process exit status.
package tail

import (
	"io"

	"github.com/pkg/errors"

	"github.com/euank/klogcat/kmsgparser"
	"github.com/euank/klogcat/rotate"
)

// Exit statuses, so a supervisor can tell why klogcat stopped.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUnsupported = 2
	ExitPermission  = 4
	// ExitReadFailure is the -1 read result as a shell sees it.
	ExitReadFailure = 255
)

// Source yields kernel records. *kmsgparser.Reader implements it.
type Source interface {
	Next() (kmsgparser.Record, error)
}

// ReadError marks a terminal failure reading the source.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return "kmsg read failed: " + e.Err.Error()
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Run pulls records from src and writes their formatted lines to w until
// either side fails. It returns nil when src reports io.EOF.
func Run(src Source, w io.Writer) error {
	line := make([]byte, 0, kmsgparser.MaxFrameSize)
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &ReadError{Err: err}
		}
		line = kmsgparser.AppendFormat(line[:0], rec)
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
}

// ExitCode maps an error returned by Run to a process exit status.
func ExitCode(err error) int {
	var readErr *ReadError
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, kmsgparser.ErrUnsupported):
		return ExitUnsupported
	case errors.Is(err, rotate.ErrPermission):
		return ExitPermission
	case errors.As(err, &readErr):
		return ExitReadFailure
	default:
		return ExitFailure
	}
}
