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

package kmsgparser

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Record is a single parsed kmsg logline. Only the first line of a
// multi-line record is kept.
type Record struct {
	// Priority is the raw syslog facility/priority value.
	Priority uint32
	// Timestamp is the kernel clock in microseconds since boot.
	Timestamp uint64
	// Subsystem is the text preceding the first ": " of the message, if any.
	Subsystem string
	// Message is the remaining text after the subsystem delimiter, or the
	// whole text when there is no subsystem.
	Message string
}

// Level returns the syslog severity of the record.
func (r Record) Level() uint32 {
	return r.Priority & 7
}

// Facility returns the syslog facility of the record.
func (r Record) Facility() uint32 {
	return r.Priority >> 3
}

var subsystemSep = []byte(": ")

// ParseRecord parses a single kmsg frame.
//
// Format:
//
//	PRIORITY,SEQUENCE_NUM,TIMESTAMP,FLAGS;MESSAGE
//
// The sequence number and flags are validated but not kept. Errors wrap
// [ErrInvalidFormat].
func ParseRecord(frame []byte) (Record, error) {
	semi := bytes.IndexByte(frame, ';')
	if semi < 0 {
		return Record{}, errors.Wrap(ErrInvalidFormat, "must contain a ';'")
	}

	fields := strings.SplitN(string(frame[:semi]), ",", 4)
	if len(fields) < 4 || fields[3] == "" {
		return Record{}, errors.Wrap(ErrInvalidFormat, "must contain at least 4 ',' separated pieces at the start")
	}

	prio, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return Record{}, errors.Wrapf(ErrInvalidFormat, "could not parse %q as priority", fields[0])
	}
	if _, err := strconv.ParseUint(fields[1], 10, 64); err != nil {
		return Record{}, errors.Wrapf(ErrInvalidFormat, "could not parse %q as sequence number", fields[1])
	}
	ts, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Record{}, errors.Wrapf(ErrInvalidFormat, "could not parse %q as timestamp", fields[2])
	}

	text := frame[semi+1:]
	if nl := bytes.IndexByte(text, '\n'); nl >= 0 {
		text = text[:nl]
	}

	rec := Record{
		Priority:  uint32(prio),
		Timestamp: ts,
	}
	// The ": " is just a convention; a leading one does not name a subsystem.
	if i := bytes.Index(text, subsystemSep); i > 0 {
		rec.Subsystem = string(text[:i])
		rec.Message = string(text[i+len(subsystemSep):])
	} else {
		rec.Message = string(text)
	}
	return rec, nil
}
