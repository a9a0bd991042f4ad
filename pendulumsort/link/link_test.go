/*
Copyright (c) The pendulumsort Authors.

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

package link

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDevice accepts exactly one connection and records every line it
// receives, optionally pushing lines back to the client.
type fakeDevice struct {
	ln net.Listener

	mu    sync.Mutex
	lines []string
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &fakeDevice{ln: ln}
}

func (f *fakeDevice) addr() string { return f.ln.Addr().String() }

func (f *fakeDevice) acceptAndEcho(push []string) net.Conn {
	conn, err := f.ln.Accept()
	if err != nil {
		return nil
	}
	for _, line := range push {
		_, _ = conn.Write([]byte(line + "\r\n"))
	}
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			f.mu.Lock()
			f.lines = append(f.lines, scanner.Text())
			f.mu.Unlock()
		}
	}()
	return conn
}

func (f *fakeDevice) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func TestDialAndSend(t *testing.T) {
	dev := newFakeDevice(t)
	defer dev.ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() { accepted <- dev.acceptAndEcho(nil) }()

	l := New("P1", dev.addr(), nil, nil, nil)
	require.NoError(t, l.Dial(time.Second))
	defer l.Close()

	conn := <-accepted
	defer conn.Close()

	require.True(t, l.Connected())
	require.NoError(t, l.Send(SwingLeft))

	require.Eventually(t, func() bool {
		return len(dev.received()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"AT+STACH3=1"}, dev.received())
}

func TestOnLineCallbackReceivesPushedLines(t *testing.T) {
	dev := newFakeDevice(t)
	defer dev.ln.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 1)

	go dev.acceptAndEcho([]string{"OCCH1:1", "OCCH1:0"})

	l := New("trigger", dev.addr(), nil, func(line string) {
		mu.Lock()
		got = append(got, line)
		if len(got) == 2 {
			select {
			case done <- struct{}{}:
			default:
			}
		}
		mu.Unlock()
	}, nil)
	require.NoError(t, l.Dial(time.Second))
	defer l.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lines")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"OCCH1:1", "OCCH1:0"}, got)
}

func TestConnectionChangeCallbackFiresOnClose(t *testing.T) {
	dev := newFakeDevice(t)
	defer dev.ln.Close()

	changes := make(chan bool, 4)
	go dev.acceptAndEcho(nil)

	l := New("P1", dev.addr(), nil, nil, func(connected bool) {
		changes <- connected
	})
	require.NoError(t, l.Dial(time.Second))

	select {
	case v := <-changes:
		require.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connected callback")
	}

	require.NoError(t, l.Close())

	select {
	case v := <-changes:
		require.False(t, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnected callback")
	}
}

func TestSendUnknownCommand(t *testing.T) {
	dev := newFakeDevice(t)
	defer dev.ln.Close()
	go dev.acceptAndEcho(nil)

	l := New("P1", dev.addr(), CommandSet{}, nil, nil)
	require.NoError(t, l.Dial(time.Second))
	defer l.Close()

	err := l.Send(Start)
	require.Error(t, err)
}

func TestSendWhenNotConnected(t *testing.T) {
	l := New("P1", "127.0.0.1:1", nil, nil, nil)
	err := l.Send(Start)
	require.Error(t, err)
}
