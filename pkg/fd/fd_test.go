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

package fd

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (*FD, *FD) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	return New(p[0]), New(p[1])
}

func TestReadWrite(t *testing.T) {
	r, w := newPipe(t)
	defer r.Close()

	n, err := w.Write([]byte("data"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, w.Close())

	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "data", string(b))
}

func TestClose(t *testing.T) {
	r, w := newPipe(t)
	defer w.Close()

	require.NoError(t, r.Close())
	assert.Equal(t, -1, r.FD())
	assert.Equal(t, unix.EBADF, r.Close())
	_, err := r.Read(make([]byte, 1))
	assert.Equal(t, unix.EBADF, err)
}

func TestNegative(t *testing.T) {
	f := New(-5)
	assert.Equal(t, -1, f.FD())
	assert.Equal(t, unix.EBADF, f.Close())
}

func TestRelease(t *testing.T) {
	r, w := newPipe(t)
	defer w.Close()

	raw := r.Release()
	assert.Equal(t, -1, r.FD())
	file := os.NewFile(uintptr(raw), "released")
	require.NoError(t, file.Close())
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0o600))

	f, err := Open(path, unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	fdfl, err := unix.FcntlInt(uintptr(f.FD()), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.NotZero(t, fdfl&unix.FD_CLOEXEC)

	b, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "contents", string(b))

	_, err = Open(filepath.Join(t.TempDir(), "missing"), unix.O_RDONLY, 0)
	assert.Equal(t, unix.ENOENT, err)
}

func TestNewFromFile(t *testing.T) {
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	f, err := NewFromFile(pr)
	require.NoError(t, err)
	assert.NotEqual(t, int(pr.Fd()), f.FD())

	// The duplicate outlives the original.
	require.NoError(t, pr.Close())
	_, err = pw.Write([]byte("dup"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "dup", string(buf[:n]))
	require.NoError(t, f.Close())
}
