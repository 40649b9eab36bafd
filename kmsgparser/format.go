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

import "fmt"

const usecPerSec = 1000000

// AppendFormat appends the dmesg-style line for r to dst and returns the
// extended buffer:
//
//	<6>[  102.258085] docker0: port 2(vethc1bb733) entered blocking state
//
// The line is newline terminated.
func AppendFormat(dst []byte, r Record) []byte {
	dst = fmt.Appendf(dst, "<%d>[%5d.%06d] ", r.Priority, r.Timestamp/usecPerSec, r.Timestamp%usecPerSec)
	if r.Subsystem != "" {
		dst = append(dst, r.Subsystem...)
		dst = append(dst, subsystemSep...)
	}
	dst = append(dst, r.Message...)
	return append(dst, '\n')
}

// Format returns the formatted line for r. Its length is the number of bytes
// the line occupies in a log file.
func Format(r Record) []byte {
	return AppendFormat(nil, r)
}

// String implements fmt.Stringer; it is the formatted line without the
// trailing newline.
func (r Record) String() string {
	line := Format(r)
	return string(line[:len(line)-1])
}
