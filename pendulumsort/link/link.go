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

// Package link wraps a raw TCP connection to one photoelectric device. It
// knows nothing about sort logic: it delivers framed ASCII lines and
// connection-state transitions to callbacks, and exposes a bare Send.
// Auto-reconnect is intentionally not implemented here: a dropped link
// stays dropped until the supervisor restarts it.
package link

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
)

// Command is a logical egress command, independent of which literal
// AT+STACH bytes a given hardware revision expects for it.
type Command int

// The six commands the core ever sends.
const (
	Start Command = iota
	Stop
	SwingLeft
	ResetLeft
	SwingRight
	ResetRight
)

func (c Command) String() string {
	switch c {
	case Start:
		return "START"
	case Stop:
		return "STOP"
	case SwingLeft:
		return "SWING_LEFT"
	case ResetLeft:
		return "RESET_LEFT"
	case SwingRight:
		return "SWING_RIGHT"
	case ResetRight:
		return "RESET_RIGHT"
	}
	return "UNKNOWN"
}

// CommandSet maps logical commands to the literal ASCII strings a device
// expects, CRLF appended by Send. Hardware revisions disagree on which of
// STACH2/STACH3 drives left versus right; a table here lets that pairing be
// swapped without touching pendulum or scheduler code.
type CommandSet map[Command]string

// DefaultCommandSet is the default pairing: STACH3 drives left, STACH2
// drives right.
var DefaultCommandSet = CommandSet{
	Start:      "AT+STACH1=1",
	Stop:       "AT+STACH1=0",
	SwingLeft:  "AT+STACH3=1",
	ResetLeft:  "AT+STACH3=0",
	SwingRight: "AT+STACH2=1",
	ResetRight: "AT+STACH2=0",
}

// Link is one TCP connection to a photoelectric device.
type Link struct {
	Name    string
	Address string
	Cmds    CommandSet

	onLine       func(line string)
	onConnChange func(connected bool)

	mu        sync.Mutex
	conn      net.Conn
	connected bool
}

// New returns an unconnected Link for the named device. onLine is invoked
// once per decoded line from the reader goroutine; onConnChange is invoked
// whenever the connection transitions up or down. Both may be nil.
func New(name, address string, cmds CommandSet, onLine func(string), onConnChange func(bool)) *Link {
	if cmds == nil {
		cmds = DefaultCommandSet
	}
	return &Link{Name: name, Address: address, Cmds: cmds, onLine: onLine, onConnChange: onConnChange}
}

// Dial opens the TCP connection and starts the reader goroutine. Reconnect
// is not attempted on failure; Dial itself may be called again later by the
// supervisor after an explicit Close.
func (l *Link) Dial(dialTimeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", l.Address, dialTimeout)
	if err != nil {
		l.setConnected(false)
		return fmt.Errorf("dialing %s (%s): %w", l.Name, l.Address, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.setConnected(true)

	go l.readLoop(conn)
	return nil
}

func (l *Link) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Split(scanCRLF)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		log.Debugf(color.BlueString("%s -> %s", l.Name, line))
		if l.onLine != nil {
			l.onLine(line)
		}
	}
	l.setConnected(false)
}

// scanCRLF is a bufio.SplitFunc that treats both CR and LF as terminators,
// matching the device's loose CRLF framing. A CRLF pair therefore yields an
// empty token for the LF; readLoop skips empty tokens.
func scanCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\r' || b == '\n' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Send writes the literal bytes for cmd, CRLF-terminated, with no retry:
// blind retries misalign with the moving physical parcel. On failure the
// link is marked disconnected.
func (l *Link) Send(cmd Command) error {
	literal, ok := l.Cmds[cmd]
	if !ok {
		return fmt.Errorf("link %s: no literal configured for command %s", l.Name, cmd)
	}

	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("link %s: not connected", l.Name)
	}

	log.Infof(color.GreenString("%s <- %s (%s)", l.Name, cmd, literal))
	if _, err := conn.Write([]byte(literal + "\r\n")); err != nil {
		l.setConnected(false)
		return fmt.Errorf("sending %s to %s: %w", cmd, l.Name, err)
	}
	return nil
}

// Connected reports the link's last known connection state.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Link) setConnected(v bool) {
	l.mu.Lock()
	changed := l.connected != v
	l.connected = v
	l.mu.Unlock()
	if changed && l.onConnChange != nil {
		l.onConnChange(v)
	}
}

// Close closes the underlying connection, if any. The reader goroutine
// observes EOF and exits on its own.
func (l *Link) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
