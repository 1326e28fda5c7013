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

//go:build linux

package eventfd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/walteh/qnxcompat/pkg/rawfile"
)

func TestNotifyDrain(t *testing.T) {
	ev, err := Create()
	require.NoError(t, err)
	defer ev.Close()

	assert.Zero(t, rawfile.Ready(ev.FD(), unix.POLLIN))

	require.NoError(t, ev.Notify())
	require.NoError(t, ev.Write(41))
	assert.Equal(t, int16(unix.POLLIN), rawfile.Ready(ev.FD(), unix.POLLIN))

	total, err := ev.Drain()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), total)
	assert.Zero(t, rawfile.Ready(ev.FD(), unix.POLLIN))

	total, err = ev.Drain()
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestNotifyNeverBlocks(t *testing.T) {
	ev, err := Create()
	require.NoError(t, err)
	defer ev.Close()

	// Far more than a pipe holds.
	for i := 0; i < 100000; i++ {
		require.NoError(t, ev.Notify())
	}
	total, err := ev.Drain()
	require.NoError(t, err)
	assert.NotZero(t, total)
}
