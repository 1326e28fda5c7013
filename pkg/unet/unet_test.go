// Copyright 2018 The gVisor Authors.
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

package unet

import (
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func abstractAddr(t *testing.T) string {
	return fmt.Sprintf("@qnxcompat.unet-test.%d.%s", os.Getpid(), t.Name())
}

func connectedPair(t *testing.T) (server, client *Socket) {
	t.Helper()
	ss, err := BindAndListen(abstractAddr(t), true)
	require.NoError(t, err)
	defer ss.Close()

	client, err = Connect(ss.Addr(), true)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server, err = ss.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	return server, client
}

func TestPacketBoundaries(t *testing.T) {
	server, client := connectedPair(t)

	require.NoError(t, client.WritePacket([]byte("first")))
	require.NoError(t, client.WritePacket([]byte("second")))

	buf := make([]byte, 64)
	n, size, err := server.ReadPacket(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, size)
	assert.Equal(t, "first", string(buf[:n]))

	n, size, err = server.ReadPacket(buf)
	require.NoError(t, err)
	assert.Equal(t, 6, size)
	assert.Equal(t, "second", string(buf[:n]))
}

func TestReadPacketTruncates(t *testing.T) {
	server, client := connectedPair(t)
	require.NoError(t, client.WritePacket([]byte("truncated")))

	buf := make([]byte, 4)
	n, size, err := server.ReadPacket(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 9, size)
	assert.Equal(t, "trun", string(buf))
}

func TestReadVecSpansBuffers(t *testing.T) {
	server, client := connectedPair(t)
	require.NoError(t, client.WritePacket([]byte("abcdef")))

	a, b := make([]byte, 2), make([]byte, 2)
	r := server.reader(true)
	size, err := r.readVec([][]byte{a, b})
	require.NoError(t, err)
	assert.Equal(t, 6, size)
	assert.Equal(t, "ab", string(a))
	assert.Equal(t, "cd", string(b))
}

func TestPeerClosed(t *testing.T) {
	server, client := connectedPair(t)
	require.NoError(t, client.Close())

	_, _, err := server.ReadPacket(make([]byte, 8))
	assert.Equal(t, io.EOF, err)
}

func TestPeerCred(t *testing.T) {
	server, _ := connectedPair(t)
	cred, err := server.GetPeerCred()
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), cred.Pid)
}

func TestConnectRefused(t *testing.T) {
	_, err := Connect(abstractAddr(t), true)
	assert.Equal(t, unix.ECONNREFUSED, err)
}

func TestCloseInterruptsAccept(t *testing.T) {
	ss, err := BindAndListen(abstractAddr(t), true)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := ss.Accept()
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ss.Close())
	select {
	case err := <-errCh:
		assert.Equal(t, unix.EBADF, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Accept did not return after Close")
	}
	assert.Equal(t, unix.EBADF, ss.Close())
}

func TestCloseInterruptsRead(t *testing.T) {
	server, _ := connectedPair(t)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := server.ReadPacket(make([]byte, 8))
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, server.Close())
	select {
	case err := <-errCh:
		assert.Equal(t, unix.EBADF, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ReadPacket did not return after Close")
	}
}
