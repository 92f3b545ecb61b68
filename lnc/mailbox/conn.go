// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package mailbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/l402gate/core/worker"
	"github.com/katzenpost/l402gate/lnc/gobn"
	"github.com/katzenpost/l402gate/lnc/noise"
)

const frameHeaderLen = 9

type lncAddr string

func (a lncAddr) Network() string { return "lnc" }
func (a lncAddr) String() string  { return string(a) }

// Conn is a net.Conn over an encrypted GoBN session. One background reader
// decrypts incoming messages into the read buffer.
//
// Writes are sent as soon as they are made until the HTTP/2 client has
// acknowledged the server's SETTINGS. After that they are buffered and go
// out on Flush, which with auto flush enabled ends every Write.
type Conn struct {
	worker.Worker

	log       *logging.Logger
	autoFlush bool

	gobnMu sync.Mutex
	gbn    *gobn.Conn

	cipherMu sync.Mutex
	machine  *noise.Machine

	readMu  sync.Mutex
	readBuf bytes.Buffer
	readErr error
	dataCh  chan struct{}
	encBuf  []byte

	writeMu  sync.Mutex
	writeBuf []byte
	ready    bool

	deadlineMu    sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established GoBN session and the transport keys derived
// over it, and starts the reader.
func NewConn(gbn *gobn.Conn, machine *noise.Machine, log *logging.Logger, autoFlush bool) *Conn {
	c := &Conn{
		log:       log,
		autoFlush: autoFlush,
		gbn:       gbn,
		machine:   machine,
		dataCh:    make(chan struct{}, 1),
	}
	c.Go(c.readLoop)
	return c
}

func (c *Conn) notify() {
	select {
	case c.dataCh <- struct{}{}:
	default:
	}
}

func (c *Conn) setReadErr(err error) {
	c.readMu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.readMu.Unlock()
	c.notify()
}

func (c *Conn) readLoop() {
	ctx, cancel := c.Context(context.Background())
	defer cancel()

	for {
		msg, err := c.gbn.RecvMsg(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = net.ErrClosed
			} else {
				c.log.Errorf("Mailbox connection failed: %v", err)
			}
			c.setReadErr(err)
			return
		}
		c.encBuf = append(c.encBuf, msg...)

		for {
			c.cipherMu.Lock()
			pt, n, err := c.machine.Decrypt(c.encBuf)
			c.cipherMu.Unlock()
			if errors.Is(err, noise.ErrIncompleteFrame) {
				break
			}
			if err != nil {
				c.log.Errorf("Failed to decrypt frame: %v", err)
				c.setReadErr(err)
				return
			}
			c.encBuf = c.encBuf[n:]

			c.readMu.Lock()
			c.readBuf.Write(pt)
			c.readMu.Unlock()
			c.notify()
		}
	}
}

// Broken reports whether the reader has stopped on a terminal error.
func (c *Conn) Broken() bool {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.readErr != nil
}

func deadlineTimer(d time.Time) (<-chan time.Time, func() bool) {
	if d.IsZero() {
		return nil, func() bool { return false }
	}
	t := time.NewTimer(time.Until(d))
	return t.C, t.Stop
}

// Read implements net.Conn.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		c.readMu.Lock()
		if c.readBuf.Len() > 0 {
			n, _ := c.readBuf.Read(p)
			c.readMu.Unlock()
			return n, nil
		}
		err := c.readErr
		c.readMu.Unlock()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return 0, io.EOF
			}
			return 0, err
		}

		c.deadlineMu.Lock()
		d := c.readDeadline
		c.deadlineMu.Unlock()
		if !d.IsZero() && !time.Now().Before(d) {
			return 0, os.ErrDeadlineExceeded
		}

		timeout, stop := deadlineTimer(d)
		select {
		case <-c.dataCh:
			stop()
		case <-timeout:
			return 0, os.ErrDeadlineExceeded
		case <-c.HaltCh():
			stop()
			return 0, net.ErrClosed
		}
	}
}

// isSettingsAck reports whether p carries an HTTP/2 SETTINGS frame with
// the ACK flag, skipping a leading client preface.
func isSettingsAck(p []byte) bool {
	p = bytes.TrimPrefix(p, []byte(http2.ClientPreface))
	for len(p) >= frameHeaderLen {
		length := int(p[0])<<16 | int(p[1])<<8 | int(p[2])
		if http2.FrameType(p[3]) == http2.FrameSettings && http2.Flags(p[4]).Has(http2.FlagSettingsAck) {
			return true
		}
		if len(p) < frameHeaderLen+length {
			return false
		}
		p = p[frameHeaderLen+length:]
	}
	return false
}

func (c *Conn) writeContext() (context.Context, context.CancelFunc, error) {
	c.deadlineMu.Lock()
	d := c.writeDeadline
	c.deadlineMu.Unlock()

	if d.IsZero() {
		ctx, cancel := c.Context(context.Background())
		return ctx, cancel, nil
	}
	if !time.Now().Before(d) {
		return nil, nil, os.ErrDeadlineExceeded
	}
	ctx, cancel := c.Context(context.Background())
	ctx, cancel2 := context.WithDeadline(ctx, d)
	return ctx, func() { cancel2(); cancel() }, nil
}

// send encrypts p in frames of at most noise.MaxPayloadSize bytes and
// sends them, coalescing frames into as few GoBN messages as fit.
func (c *Conn) send(p []byte) error {
	ctx, cancel, err := c.writeContext()
	if err != nil {
		return err
	}
	defer cancel()

	var msg []byte
	flushMsg := func() error {
		if len(msg) == 0 {
			return nil
		}
		c.gobnMu.Lock()
		err := c.gbn.SendMsg(ctx, msg)
		c.gobnMu.Unlock()
		msg = nil
		if errors.Is(err, context.DeadlineExceeded) {
			return os.ErrDeadlineExceeded
		}
		return err
	}

	for {
		chunk := p
		if len(chunk) > noise.MaxPayloadSize {
			chunk = chunk[:noise.MaxPayloadSize]
		}
		p = p[len(chunk):]

		c.cipherMu.Lock()
		frame, err := c.machine.Encrypt(chunk)
		c.cipherMu.Unlock()
		if err != nil {
			return err
		}
		if len(msg)+len(frame) > gobn.MaxMsgSize {
			if err := flushMsg(); err != nil {
				return err
			}
		}
		msg = append(msg, frame...)
		if len(p) == 0 {
			break
		}
	}
	return flushMsg()
}

// Write implements net.Conn.
func (c *Conn) Write(p []byte) (int, error) {
	if c.IsHalted() {
		return 0, net.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.ready {
		if err := c.send(p); err != nil {
			return 0, err
		}
		if isSettingsAck(p) {
			c.log.Debugf("HTTP/2 settings acknowledged, buffering writes")
			c.ready = true
		}
		return len(p), nil
	}

	c.writeBuf = append(c.writeBuf, p...)
	if c.autoFlush {
		if err := c.flushLocked(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush sends the buffered writes.
func (c *Conn) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.flushLocked()
}

func (c *Conn) flushLocked() error {
	if len(c.writeBuf) == 0 {
		return nil
	}
	buf := c.writeBuf
	c.writeBuf = nil
	return c.send(buf)
}

// Close implements net.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if err := c.Flush(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.log.Debugf("Failed to flush on close: %v", err)
		}
		c.Halt()
		c.gobnMu.Lock()
		c.closeErr = c.gbn.Close()
		c.gobnMu.Unlock()
	})
	return c.closeErr
}

// LocalAddr implements net.Conn.
func (c *Conn) LocalAddr() net.Addr { return lncAddr("lnc-client") }

// RemoteAddr implements net.Conn.
func (c *Conn) RemoteAddr() net.Addr { return lncAddr("lnc-mailbox") }

// SetDeadline implements net.Conn.
func (c *Conn) SetDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.deadlineMu.Unlock()
	c.notify()
	return nil
}

// SetReadDeadline implements net.Conn.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDeadline = t
	c.deadlineMu.Unlock()
	c.notify()
	return nil
}

// SetWriteDeadline implements net.Conn.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.writeDeadline = t
	c.deadlineMu.Unlock()
	return nil
}

var _ net.Conn = (*Conn)(nil)
