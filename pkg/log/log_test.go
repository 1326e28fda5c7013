// Copyright 2025 The gVisor Authors.
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

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		logger = newLogger()
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug":   Debug,
		"DEBUG":   Debug,
		"info":    Info,
		"":        Info,
		"warning": Warning,
		"warn":    Warning,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestLevels(t *testing.T) {
	buf := capture(t)
	SetLevel(Warning)
	assert.False(t, IsLogging(Info))
	Infof("hidden")
	Warningf("shown %d", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 1")

	SetLevel(Debug)
	assert.True(t, IsLogging(Debug))
	Debugf("details")
	assert.Contains(t, buf.String(), "details")
}

func TestJSONFields(t *testing.T) {
	buf := capture(t)
	require.NoError(t, SetFormat("json"))
	WithFields(map[string]any{"pid": 42}).Info("accepted")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "accepted", entry["msg"])
	assert.Equal(t, float64(42), entry["pid"])

	assert.Error(t, SetFormat("xml"))
}
