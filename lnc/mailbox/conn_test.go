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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/katzenpost/l402gate/core/log"
	"github.com/katzenpost/l402gate/lnc/gobn"
	"github.com/katzenpost/l402gate/lnc/noise"
)

func settingsFrame(t *testing.T, ack bool) []byte {
	var buf bytes.Buffer
	fr := http2.NewFramer(&buf, nil)
	if ack {
		require.NoError(t, fr.WriteSettingsAck())
	} else {
		require.NoError(t, fr.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 1 << 20}))
	}
	return buf.Bytes()
}

func TestIsSettingsAck(t *testing.T) {
	require := require.New(t)

	settings := settingsFrame(t, false)
	ack := settingsFrame(t, true)

	var ping bytes.Buffer
	require.NoError(http2.NewFramer(&ping, nil).WritePing(false, [8]byte{1}))

	require.False(isSettingsAck([]byte(http2.ClientPreface)))
	require.False(isSettingsAck(append([]byte(http2.ClientPreface), settings...)))
	require.True(isSettingsAck(ack))
	require.True(isSettingsAck(append(append([]byte(http2.ClientPreface), settings...), ack...)))
	require.True(isSettingsAck(append(ping.Bytes(), ack...)))
	require.False(isSettingsAck(ping.Bytes()))
	require.False(isSettingsAck(settings[:5]))
}

// idleConn is a Conn without a session behind it, enough to drive the read
// buffer and deadlines.
func idleConn() *Conn {
	return &Conn{
		log:    log.NewDiscard(log.ModuleMailbox),
		dataCh: make(chan struct{}, 1),
	}
}

func TestConnReadDeadline(t *testing.T) {
	require := require.New(t)
	c := idleConn()
	buf := make([]byte, 8)

	require.NoError(c.SetReadDeadline(time.Now().Add(-time.Second)))
	_, err := c.Read(buf)
	require.ErrorIs(err, os.ErrDeadlineExceeded)

	require.NoError(c.SetReadDeadline(time.Now().Add(20 * time.Millisecond)))
	start := time.Now()
	_, err = c.Read(buf)
	require.ErrorIs(err, os.ErrDeadlineExceeded)
	require.GreaterOrEqual(time.Since(start), 15*time.Millisecond)

	// Buffered data is returned regardless of the deadline.
	c.readMu.Lock()
	c.readBuf.WriteString("hello")
	c.readMu.Unlock()
	n, err := c.Read(buf)
	require.NoError(err)
	require.Equal("hello", string(buf[:n]))
}

func TestConnReadWakesOnData(t *testing.T) {
	require := require.New(t)
	c := idleConn()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.readMu.Lock()
		c.readBuf.WriteString("late")
		c.readMu.Unlock()
		c.notify()
	}()

	buf := make([]byte, 8)
	n, err := c.Read(buf)
	require.NoError(err)
	require.Equal("late", string(buf[:n]))
}

func TestConnReadAfterClose(t *testing.T) {
	require := require.New(t)
	c := idleConn()

	c.readMu.Lock()
	c.readBuf.WriteString("tail")
	c.readMu.Unlock()
	c.setReadErr(net.ErrClosed)
	require.True(c.Broken())

	buf := make([]byte, 8)
	n, err := c.Read(buf)
	require.NoError(err)
	require.Equal("tail", string(buf[:n]))

	_, err = c.Read(buf)
	require.ErrorIs(err, io.EOF)

	c.Halt()
	_, err = c.Write([]byte("x"))
	require.ErrorIs(err, net.ErrClosed)
}

// memTransport is an in-memory GoBN transport: in carries packets from the
// node, out those sent by the client.
type memTransport struct {
	in  chan []byte
	out chan []byte
}

func (m *memTransport) Send(ctx context.Context, pkt []byte) error {
	select {
	case m.out <- append([]byte(nil), pkt...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-m.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memTransport) Close() error { return nil }

func (m *memTransport) pushData(seq uint8, msg []byte) {
	m.in <- (&gobn.Packet{Type: gobn.DATA, Seq: seq, Final: true, Payload: gobn.WrapMsg(msg)}).Bytes()
}

func (m *memTransport) next(t *testing.T) *gobn.Packet {
	t.Helper()
	select {
	case b := <-m.out:
		p, err := gobn.ParsePacket(b)
		require.NoError(t, err)
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no packet sent")
		return nil
	}
}

func (m *memTransport) requireQuiet(t *testing.T) {
	t.Helper()
	select {
	case b := <-m.out:
		t.Fatalf("unexpected packet % x", b)
	case <-time.After(50 * time.Millisecond):
	}
}

// sessionConn returns a Conn over an established GoBN session and the
// node's side of the transport keys.
func sessionConn(t *testing.T, autoFlush bool) (*Conn, *noise.Machine, *memTransport) {
	t.Helper()
	tr := &memTransport{in: make(chan []byte, 64), out: make(chan []byte, 64)}
	tr.in <- (&gobn.Packet{Type: gobn.SYN, N: gobn.DefaultN}).Bytes()

	gbn, err := gobn.Dial(context.Background(), tr, nil)
	require.NoError(t, err)
	require.Equal(t, gobn.SYN, tr.next(t).Type)
	require.Equal(t, gobn.SYNACK, tr.next(t).Type)
	gbn.ClearPending()

	k1, k2 := [32]byte{1}, [32]byte{2}
	c := NewConn(gbn, noise.NewMachine(k1, k2), log.NewDiscard(log.ModuleMailbox), autoFlush)
	t.Cleanup(func() { c.Close() })
	return c, noise.NewMachine(k2, k1), tr
}

// openFrames decrypts every frame carried by a DATA packet.
func openFrames(t *testing.T, m *noise.Machine, p *gobn.Packet) []string {
	t.Helper()
	require.Equal(t, gobn.DATA, p.Type)
	buf, err := gobn.UnwrapMsg(p.Payload)
	require.NoError(t, err)

	var frames []string
	for len(buf) > 0 {
		pt, n, err := m.Decrypt(buf)
		require.NoError(t, err)
		frames = append(frames, string(pt))
		buf = buf[n:]
	}
	return frames
}

func TestConnFlushAfterSettingsAck(t *testing.T) {
	require := require.New(t)
	c, node, tr := sessionConn(t, false)

	preface := []byte(http2.ClientPreface)
	_, err := c.Write(preface)
	require.NoError(err)
	require.Equal([]string{string(preface)}, openFrames(t, node, tr.next(t)))

	ack := settingsFrame(t, true)
	n, err := c.Write(ack)
	require.NoError(err)
	require.Equal(len(ack), n)
	require.Equal([]string{string(ack)}, openFrames(t, node, tr.next(t)))

	for _, s := range []string{"one", "two", "three"} {
		_, err := c.Write([]byte(s))
		require.NoError(err)
	}
	tr.requireQuiet(t)

	require.NoError(c.Flush())
	p := tr.next(t)
	require.Equal(uint8(2), p.Seq)
	require.Equal([]string{"onetwothree"}, openFrames(t, node, p))

	require.NoError(c.Flush())
	tr.requireQuiet(t)
}

func TestConnAutoFlush(t *testing.T) {
	require := require.New(t)
	c, node, tr := sessionConn(t, true)

	_, err := c.Write(settingsFrame(t, true))
	require.NoError(err)
	tr.next(t)

	for _, s := range []string{"one", "two"} {
		_, err := c.Write([]byte(s))
		require.NoError(err)
		require.Equal([]string{s}, openFrames(t, node, tr.next(t)))
	}
}

func TestConnReadSplitFrame(t *testing.T) {
	require := require.New(t)
	c, node, tr := sessionConn(t, true)

	frame, err := node.Encrypt([]byte("one frame, two messages"))
	require.NoError(err)

	tr.pushData(0, frame[:7])
	require.Equal(&gobn.Packet{Type: gobn.ACK, Seq: 0}, tr.next(t))

	// Half a frame yields nothing.
	buf := make([]byte, 64)
	require.NoError(c.SetReadDeadline(time.Now().Add(50 * time.Millisecond)))
	_, err = c.Read(buf)
	require.True(errors.Is(err, os.ErrDeadlineExceeded))
	require.False(c.Broken())

	require.NoError(c.SetReadDeadline(time.Time{}))
	tr.pushData(1, frame[7:])
	n, err := c.Read(buf)
	require.NoError(err)
	require.Equal("one frame, two messages", string(buf[:n]))
	require.Equal(&gobn.Packet{Type: gobn.ACK, Seq: 1}, tr.next(t))
}
