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

import "github.com/sirupsen/logrus"

// Logger is the diagnostic logger used by a [Reader]. It is satisfied by
// *logrus.Logger and *logrus.Entry.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
}

var (
	_ Logger = (*logrus.Logger)(nil)
	_ Logger = (*logrus.Entry)(nil)
)
