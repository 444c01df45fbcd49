// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func redirectLogsToGivenBuffer(buf *bytes.Buffer, level string) {
	defaultLoggerFactory.level = level
	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(buf, programLevel(level), "TestLogs: "),
	)
}

func fetchOutputs(level string) []string {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, level)

	var out []string
	for _, f := range []func(){
		func() { Tracef("traceExample") },
		func() { Debugf("debugExample") },
		func() { Infof("infoExample") },
		func() { Warnf("warningExample") },
		func() { Errorf("errorExample") },
	} {
		f()
		out = append(out, buf.String())
		buf.Reset()
	}
	return out
}

func TestSeverityFiltering(t *testing.T) {
	testCases := []struct {
		level         string
		expectNonEmpty []bool // trace, debug, info, warning, error
	}{
		{OFF, []bool{false, false, false, false, false}},
		{ERROR, []bool{false, false, false, false, true}},
		{WARNING, []bool{false, false, false, true, true}},
		{INFO, []bool{false, false, true, true, true}},
		{DEBUG, []bool{false, true, true, true, true}},
		{TRACE, []bool{true, true, true, true, true}},
	}

	for _, tc := range testCases {
		out := fetchOutputs(tc.level)
		for i, expect := range tc.expectNonEmpty {
			if expect {
				assert.NotEmpty(t, out[i], "level=%s index=%d", tc.level, i)
			} else {
				assert.Empty(t, out[i], "level=%s index=%d", tc.level, i)
			}
		}
	}
}

func TestSetLogFormat(t *testing.T) {
	SetLogFormat("text")
	assert.Equal(t, "text", defaultLoggerFactory.format)

	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, INFO)
	Infof("infoExample")

	assert.Regexp(t, regexp.MustCompile(`severity=INFO`), buf.String())

	SetLogFormat("json")
	assert.Equal(t, "json", defaultLoggerFactory.format)
}

func TestSetSeverity(t *testing.T) {
	v := new(slog.LevelVar)
	setLoggingLevel(TRACE, v)
	assert.Equal(t, LevelTrace, v.Level())

	setLoggingLevel(OFF, v)
	assert.Equal(t, LevelOff, v.Level())
}
