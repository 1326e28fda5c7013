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

// Package unet provides a minimal net package based on Unix Domain Sockets.
//
// This does no pooling, and should only be used for a limited number of
// connections in a Go process. Don't use this package for arbitrary servers.
//
// Sockets are non-blocking at the host level. Blocking calls wait in poll(2)
// together with an eventfd, so Close interrupts readers, writers and
// Accept.
package unet

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/walteh/qnxcompat/pkg/eventfd"
)

// backlog is used for the listen request.
const backlog = 16

// errClosing is returned by wait if the Socket is in the process of closing.
var errClosing = errors.New("Socket is closing")

// socketType returns the appropriate type.
func socketType(packet bool) int {
	if packet {
		return unix.SOCK_SEQPACKET
	}
	return unix.SOCK_STREAM
}

// gate admits callers that use the descriptor and lets Close wait until
// they have all left.
type gate struct {
	mu     sync.RWMutex
	closed bool
}

// Enter reports whether the caller may use the descriptor. If it returns
// true, the caller must call Leave.
func (g *gate) Enter() bool {
	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return false
	}
	return true
}

// Leave releases a successful Enter.
func (g *gate) Leave() {
	g.mu.RUnlock()
}

// Close waits for every caller to leave and refuses later ones.
func (g *gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Socket is a connected unix domain socket.
type Socket struct {
	// gate protects use of fd.
	gate gate

	// fd is the bound socket.
	//
	// fd only remains valid if read while within gate.
	fd atomic.Int32

	// efd is an event FD that is signaled when the socket is closing.
	//
	// efd is always valid (until Close).
	efd eventfd.Eventfd
}

// NewSocket returns a socket from an existing FD.
//
// NewSocket takes ownership of fd.
func NewSocket(fd int) (*Socket, error) {
	// All FDs are non-blocking; waits happen in poll(2).
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}

	efd, err := eventfd.Create()
	if err != nil {
		return nil, err
	}

	s := &Socket{efd: efd}
	s.fd.Store(int32(fd))
	return s, nil
}

// finish completes use of s.fd by evicting any waiters, closing the
// gate, and closing the event FD.
func (s *Socket) finish() error {
	// Signal any blocked or future polls.
	if err := s.efd.Notify(); err != nil {
		return err
	}

	// Close the gate, blocking until all FD users leave.
	s.gate.Close()

	return s.efd.Close()
}

// Close closes the socket.
func (s *Socket) Close() error {
	// Set the FD in the socket to -1, to ensure that all future calls to
	// FD/Release get nothing and Close calls return immediately.
	fd := int(s.fd.Swap(-1))
	if fd < 0 {
		// Already closed or closing.
		return unix.EBADF
	}

	if err := s.finish(); err != nil {
		return err
	}

	return unix.Close(fd)
}

// FD returns the FD for this Socket.
//
// The FD is non-blocking and must not be made blocking.
//
// N.B. os.File.Fd makes the FD blocking. Use of Release instead of FD is
// strongly preferred.
//
// The returned FD cannot be used safely if there may be concurrent callers to
// Close or Release.
func (s *Socket) FD() int {
	return int(s.fd.Load())
}

// enterFD enters the FD gate and returns the FD value.
//
// If enterFD returns ok, s.gate.Leave must be called when done with the FD.
// Callers may only block while within the gate using s.wait.
//
// The returned FD is guaranteed to remain valid until s.gate.Leave.
func (s *Socket) enterFD() (int, bool) {
	if !s.gate.Enter() {
		return -1, false
	}

	fd := int(s.fd.Load())
	if fd < 0 {
		s.gate.Leave()
		return -1, false
	}

	return fd, true
}

// Connect connects to a server.
//
// An address beginning with '@' names the Linux abstract namespace.
func Connect(addr string, packet bool) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_UNIX, socketType(packet)|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	// Connect the socket.
	usa := &unix.SockaddrUnix{Name: addr}
	for {
		err = unix.Connect(fd, usa)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	s, err := NewSocket(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// GetPeerCred returns the peer's unix credentials.
func (s *Socket) GetPeerCred() (*unix.Ucred, error) {
	fd, ok := s.enterFD()
	if !ok {
		return nil, unix.EBADF
	}
	defer s.gate.Leave()

	return unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
}

// ReadPacket reads one packet into b. It returns the number of bytes copied
// and the full size of the packet, which is larger than n if the packet was
// truncated. A closed peer is reported as io.EOF.
func (s *Socket) ReadPacket(b []byte) (n, size int, err error) {
	r := s.reader(true)
	size, err = r.readVec([][]byte{b})
	if err != nil {
		return 0, 0, err
	}
	return min(size, len(b)), size, nil
}

// WritePacket writes b as one packet.
func (s *Socket) WritePacket(b []byte) error {
	w := s.writer(true)
	n, err := w.writeVec([][]byte{b})
	if err != nil {
		return err
	}
	if n != len(b) {
		return unix.EIO
	}
	return nil
}

// socketReader wraps an individual receive operation.
type socketReader struct {
	socket   *Socket
	blocking bool
}

func (s *Socket) reader(blocking bool) socketReader {
	return socketReader{socket: s, blocking: blocking}
}

// socketWriter wraps an individual send operation.
type socketWriter struct {
	socket   *Socket
	blocking bool
}

func (s *Socket) writer(blocking bool) socketWriter {
	return socketWriter{socket: s, blocking: blocking}
}

// ServerSocket is a bound unix domain socket.
type ServerSocket struct {
	socket *Socket
	addr   string
}

// newServerSocket wraps an existing FD.
func newServerSocket(fd int) (*ServerSocket, error) {
	s, err := NewSocket(fd)
	if err != nil {
		return nil, err
	}
	return &ServerSocket{socket: s}, nil
}

// Bind creates and binds a new socket.
func Bind(addr string, packet bool) (*ServerSocket, error) {
	fd, err := unix.Socket(unix.AF_UNIX, socketType(packet)|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: addr}); err != nil {
		unix.Close(fd)
		return nil, err
	}

	ss, err := newServerSocket(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ss.addr = addr
	return ss, nil
}

// BindAndListen creates, binds and listens on a new socket.
func BindAndListen(addr string, packet bool) (*ServerSocket, error) {
	s, err := Bind(addr, packet)
	if err != nil {
		return nil, err
	}

	// Start listening.
	if err := s.Listen(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// Addr returns the address the socket was bound to.
func (s *ServerSocket) Addr() string {
	return s.addr
}

// Listen starts listening on the socket.
func (s *ServerSocket) Listen() error {
	fd, ok := s.socket.enterFD()
	if !ok {
		return unix.EBADF
	}
	defer s.socket.gate.Leave()
	return unix.Listen(fd, backlog)
}

// Accept accepts a new connection.
//
// This is always blocking.
//
// Preconditions: ServerSocket is listening.
func (s *ServerSocket) Accept() (*Socket, error) {
	fd, ok := s.socket.enterFD()
	if !ok {
		return nil, unix.EBADF
	}
	// Leave on returns below.
	for {
		nfd, _, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			s.socket.gate.Leave()
			ns, err := NewSocket(nfd)
			if err != nil {
				unix.Close(nfd)
				return nil, err
			}
			return ns, nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			// Wait for a connection below.
		default:
			s.socket.gate.Leave()
			return nil, err
		}

		if err := s.socket.wait(false); err != nil {
			s.socket.gate.Leave()
			if err == errClosing {
				return nil, unix.EBADF
			}
			return nil, err
		}
	}
}

// FD returns the listening descriptor.
func (s *ServerSocket) FD() int {
	return s.socket.FD()
}

// Close closes the server socket.
//
// This must only be called once.
func (s *ServerSocket) Close() error {
	return s.socket.Close()
}
