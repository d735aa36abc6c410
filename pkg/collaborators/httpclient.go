/*
Copyright 2021 The Everoute Authors.

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

// Package collaborators holds the HTTP clients for the out-of-scope
// services this core consumes as collaborators (spec.md §6): the path
// finder and the data-plane trace service. The flow-manager client lives in
// pkg/dispatch (it owns its own, more elaborate, retry policy); the
// document-store client lives in pkg/docstore.
package collaborators

import (
	"net/http"
	"time"

	log "github.com/Sirupsen/logrus"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// NewHTTPClient builds a retryablehttp client with a bounded timeout and
// logrus-backed logging, the shape every collaborator client in this
// package shares.
func NewHTTPClient(timeout time.Duration, component string) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.HTTPClient = &http.Client{Timeout: timeout}
	c.Logger = &logrusLeveledLogger{entry: log.WithField("component", component)}
	return c
}

// logrusLeveledLogger adapts retryablehttp.LeveledLogger to logrus, the way
// the teacher's services thread logrus through dependency HTTP clients.
type logrusLeveledLogger struct {
	entry *log.Entry
}

func (l *logrusLeveledLogger) fields(keysAndValues []interface{}) log.Fields {
	f := log.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		f[key] = keysAndValues[i+1]
	}
	return f
}

func (l *logrusLeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(l.fields(keysAndValues)).Error(msg)
}

func (l *logrusLeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(l.fields(keysAndValues)).Info(msg)
}

func (l *logrusLeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(l.fields(keysAndValues)).Debug(msg)
}

func (l *logrusLeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(l.fields(keysAndValues)).Warn(msg)
}
