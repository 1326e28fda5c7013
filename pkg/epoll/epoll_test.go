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

package epoll

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kr/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/walteh/qnxcompat/pkg/rawfile"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func newInstance(t *testing.T) *Instance {
	t.Helper()
	inst, err := New(unix.O_CLOEXEC, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })
	return inst
}

func write(t *testing.T, fd int) {
	t.Helper()
	_, err := unix.Write(fd, []byte("x"))
	require.NoError(t, err)
}

func TestCreateRejectsBadArguments(t *testing.T) {
	_, err := Create(0)
	assert.Equal(t, unix.EINVAL, err)
	_, err = Create(-3)
	assert.Equal(t, unix.EINVAL, err)
	_, err = Create1(unix.O_APPEND)
	assert.Equal(t, unix.EINVAL, err)
}

func TestCreateDestroy(t *testing.T) {
	epfd, err := Create(1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, epfd, 0)

	require.NoError(t, Destroy(epfd))
	assert.Equal(t, unix.EINVAL, Destroy(epfd))
	assert.Equal(t, unix.EBADF, Destroy(-1))
}

func TestCtlErrors(t *testing.T) {
	inst := newInstance(t)
	epfd := inst.FD()
	r, _ := newPipe(t)
	ev := &Event{Events: EventIn}

	require.NoError(t, Ctl(epfd, CtlAdd, r, ev))

	for _, tc := range []struct {
		name string
		epfd int
		op   Op
		fd   int
		ev   *Event
		want error
	}{
		{"negative epfd", -1, CtlAdd, r, ev, unix.EBADF},
		{"negative fd", epfd, CtlAdd, -1, ev, unix.EBADF},
		{"self", epfd, CtlAdd, epfd, ev, unix.EINVAL},
		{"not an instance", r, CtlAdd, epfd, ev, unix.EINVAL},
		{"unknown op", epfd, Op(42), r, ev, unix.EINVAL},
		{"nil event", epfd, CtlMod, r, nil, unix.EINVAL},
		{"edge triggered", epfd, CtlMod, r, &Event{Events: EventIn | unix.EPOLLET}, unix.EINVAL},
		{"one shot", epfd, CtlMod, r, &Event{Events: EventIn | unix.EPOLLONESHOT}, unix.EINVAL},
		{"add twice", epfd, CtlAdd, r, ev, unix.EEXIST},
		{"mod absent", epfd, CtlMod, r + 1000, ev, unix.ENOENT},
		{"del absent", epfd, CtlDel, r + 1000, nil, unix.ENOENT},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Ctl(tc.epfd, tc.op, tc.fd, tc.ev))
		})
	}

	require.NoError(t, Ctl(epfd, CtlMod, r, &Event{Events: EventIn | EventErr}))
	require.NoError(t, Ctl(epfd, CtlDel, r, nil))
	assert.Equal(t, unix.ENOENT, Ctl(epfd, CtlDel, r, nil))
}

func TestWaitRejectsEmptyBuffer(t *testing.T) {
	inst := newInstance(t)
	_, err := Wait(inst.FD(), nil, 0)
	assert.Equal(t, unix.EINVAL, err)
	_, err = Wait(-1, make([]Event, 1), 0)
	assert.Equal(t, unix.EBADF, err)
}

func TestWaitReportsAscending(t *testing.T) {
	inst := newInstance(t)
	r1, w1 := newPipe(t)
	r2, _ := newPipe(t)
	r3, w3 := newPipe(t)

	// Register out of order; reports come back sorted by descriptor.
	for _, fd := range []int{r3, r1, r2} {
		require.NoError(t, inst.Ctl(CtlAdd, fd, &Event{Events: EventIn, Data: uint64(fd) * 10}))
	}
	write(t, w3)
	write(t, w1)

	events := make([]Event, 8)
	n, err := inst.Wait(events, 5)
	require.NoError(t, err)

	lo, hi := r1, r3
	if lo > hi {
		lo, hi = hi, lo
	}
	want := []Event{
		{Events: EventIn, Fd: int32(lo), Data: uint64(lo) * 10},
		{Events: EventIn, Fd: int32(hi), Data: uint64(hi) * 10},
	}
	if diff := cmp.Diff(want, events[:n]); diff != "" {
		t.Errorf("Wait mismatch (-want +got):\n%s", diff)
	}
}

func TestDrainedDescriptorNotReported(t *testing.T) {
	inst := newInstance(t)
	r, w := newPipe(t)
	require.NoError(t, Ctl(inst.FD(), CtlAdd, r, &Event{Events: EventIn, Data: 0xfeed}))
	write(t, w)

	events := make([]Event, 4)
	n, err := Wait(inst.FD(), events, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, Event{Events: EventIn, Fd: int32(r), Data: 0xfeed}, events[0])

	var buf [1]byte
	_, err = unix.Read(r, buf[:])
	require.NoError(t, err)
	n, err = Wait(inst.FD(), events, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWaitTruncatesToBuffer(t *testing.T) {
	inst := newInstance(t)
	for i := 0; i < 4; i++ {
		r, w := newPipe(t)
		write(t, w)
		require.NoError(t, inst.Ctl(CtlAdd, r, &Event{Events: EventIn}))
	}

	events := make([]Event, 2)
	n, err := inst.Wait(events, 5)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assert.Less(t, events[0].Fd, events[1].Fd)
}

func TestWaitReportsOnlyRequestedBits(t *testing.T) {
	inst := newInstance(t)
	r, w := newPipe(t)

	// The write end is writable but nobody asked.
	require.NoError(t, inst.Ctl(CtlAdd, w, &Event{Events: EventIn}))
	require.NoError(t, inst.Ctl(CtlAdd, r, &Event{Events: EventIn | EventOut}))
	write(t, w)

	events := make([]Event, 4)
	n, err := inst.Wait(events, 5)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, Event{Events: EventIn, Fd: int32(r)}, events[0])
}

func TestWaitTimeout(t *testing.T) {
	inst := newInstance(t)
	r, _ := newPipe(t)
	require.NoError(t, inst.Ctl(CtlAdd, r, &Event{Events: EventIn}))

	events := make([]Event, 1)
	n, err := inst.Wait(events, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	start := time.Now()
	n, err = inst.Wait(events, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestWaitOmitsDeleted(t *testing.T) {
	inst := newInstance(t)
	r, w := newPipe(t)
	require.NoError(t, inst.Ctl(CtlAdd, r, &Event{Events: EventIn}))
	write(t, w)
	require.NoError(t, inst.Ctl(CtlDel, r, nil))

	n, err := inst.Wait(make([]Event, 1), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInstanceDescriptorReadableWithoutWait(t *testing.T) {
	inst := newInstance(t)
	r, w := newPipe(t)
	require.NoError(t, inst.Ctl(CtlAdd, r, &Event{Events: EventIn}))

	// Nothing is ready yet; the worker is blocked on the interest set.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rawfile.Ready(inst.FD(), unix.POLLIN))

	write(t, w)
	pfd := []unix.PollFd{{Fd: int32(inst.FD()), Events: unix.POLLIN}}
	ts := unix.NsecToTimespec((5 * time.Second).Nanoseconds())
	n, e := rawfile.BlockingPoll(pfd, &ts)
	require.Zero(t, e)
	require.Equal(t, 1, n)

	// Once the source is drained, Wait consumes the tokens and the
	// descriptor settles.
	var buf [1]byte
	_, err := unix.Read(r, buf[:])
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		inst.Wait(make([]Event, 1), 0)
		return rawfile.Ready(inst.FD(), unix.POLLIN) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCtlWakesWorker(t *testing.T) {
	inst := newInstance(t)
	r, w := newPipe(t)
	write(t, w)

	// The descriptor was ready before it was registered. ADD alone must
	// make the instance readable.
	require.NoError(t, inst.Ctl(CtlAdd, r, &Event{Events: EventIn}))
	require.Eventually(t, func() bool {
		return rawfile.Ready(inst.FD(), unix.POLLIN)&unix.POLLIN != 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestNestedInstance(t *testing.T) {
	inner := newInstance(t)
	outer := newInstance(t)
	r, w := newPipe(t)

	require.NoError(t, inner.Ctl(CtlAdd, r, &Event{Events: EventIn}))
	require.NoError(t, outer.Ctl(CtlAdd, inner.FD(), &Event{Events: EventIn, Data: 7}))
	write(t, w)

	events := make([]Event, 1)
	n, err := outer.Wait(events, 5)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, Event{Events: EventIn, Fd: int32(inner.FD()), Data: 7}, events[0])
}

func TestInstancesAreIsolated(t *testing.T) {
	a := newInstance(t)
	b := newInstance(t)
	r, w := newPipe(t)

	require.NoError(t, a.Ctl(CtlAdd, r, &Event{Events: EventIn, Data: 1}))
	require.NoError(t, b.Ctl(CtlAdd, r, &Event{Events: EventIn, Data: 2}))
	require.NoError(t, a.Ctl(CtlDel, r, nil))
	write(t, w)

	events := make([]Event, 1)
	n, err := a.Wait(events, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = b.Wait(events, 5)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, uint64(2), events[0].Data)
}

func TestStaleHandle(t *testing.T) {
	old, err := New(0, DefaultOptions())
	require.NoError(t, err)
	r, _ := newPipe(t)
	require.NoError(t, old.Close())
	assert.Equal(t, unix.EINVAL, old.Close())

	// The number may be handed to a new instance; the old handle must not
	// reach it.
	fresh := newInstance(t)
	assert.Equal(t, unix.EINVAL, old.Ctl(CtlAdd, r, &Event{Events: EventIn}))
	_, err = old.Wait(make([]Event, 1), 0)
	assert.Equal(t, unix.EINVAL, err)
	assert.NoError(t, fresh.Ctl(CtlAdd, r, &Event{Events: EventIn}))
}

func TestCloseDuringWait(t *testing.T) {
	inst, err := New(0, DefaultOptions())
	require.NoError(t, err)

	type result struct {
		n   int
		err error
	}
	res := make(chan result, 1)
	go func() {
		n, err := inst.Wait(make([]Event, 1), 1)
		res <- result{n, err}
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, inst.Close())

	// The instance descriptors are free for reuse. The returning Wait must
	// not touch whatever now holds those numbers.
	var reads []int
	for i := 0; i < 4; i++ {
		r, _ := newPipe(t)
		reads = append(reads, r)
	}
	select {
	case got := <-res:
		assert.Equal(t, unix.EINVAL, got.err)
		assert.Zero(t, got.n)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
	for _, r := range reads {
		assert.Zero(t, rawfile.Ready(r, unix.POLLIN), "fd %d", r)
	}
}

func TestTerminal(t *testing.T) {
	ptmx, tty, err := pty.Open()
	require.NoError(t, err)
	defer ptmx.Close()
	defer tty.Close()

	inst := newInstance(t)
	require.NoError(t, inst.Ctl(CtlAdd, int(tty.Fd()), &Event{Events: EventIn}))

	n, err := inst.Wait(make([]Event, 1), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = ptmx.Write([]byte("line\n"))
	require.NoError(t, err)

	events := make([]Event, 1)
	n, err = inst.Wait(events, 5)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, EventIn, events[0].Events)
}

func TestReadyEvents(t *testing.T) {
	for _, tc := range []struct {
		revents int16
		want    uint32
	}{
		{unix.POLLIN, EventIn},
		{unix.POLLHUP, EventIn},
		{unix.POLLOUT, EventOut},
		{unix.POLLPRI, EventErr},
		{unix.POLLERR | unix.POLLOUT, EventOut | EventErr},
		{unix.POLLNVAL, EventErr},
		{0, 0},
	} {
		assert.Equal(t, tc.want, readyEvents(tc.revents), "revents %#x", tc.revents)
	}
}
