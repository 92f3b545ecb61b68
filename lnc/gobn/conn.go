// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package gobn implements the client side of the Go-Back-N reliable
// delivery protocol used by Lightning Node Connect on top of the mailbox
// relay.
package gobn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/l402gate/core/log"
	"github.com/katzenpost/l402gate/internal/instrument"
	"github.com/katzenpost/l402gate/lnc"
)

const (
	stateIdle uint32 = iota
	stateSynSent
	stateReady
	stateDataTransfer
	stateClosed
	stateError
)

const (
	// DefaultRecvTimeout is the per read timeout.
	DefaultRecvTimeout = 5 * time.Second

	// DefaultMaxIdleReads bounds the reads that produce no message.
	DefaultMaxIdleReads = 100

	// DefaultResyncAfter is the session age after which a SYN from the
	// server means its side of the session restarted.
	DefaultResyncAfter = 5 * time.Second

	finTimeout = time.Second
)

// Transport carries raw GoBN packets. Recv must return when ctx is done.
type Transport interface {
	Send(ctx context.Context, pkt []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Config is the GoBN session configuration. Zero fields take defaults.
type Config struct {
	N            uint8
	RecvTimeout  time.Duration
	MaxIdleReads int
	ResyncAfter  time.Duration
	Log          *logging.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.N == 0 {
		cfg.N = DefaultN
	}
	if cfg.RecvTimeout == 0 {
		cfg.RecvTimeout = DefaultRecvTimeout
	}
	if cfg.MaxIdleReads == 0 {
		cfg.MaxIdleReads = DefaultMaxIdleReads
	}
	if cfg.ResyncAfter == 0 {
		cfg.ResyncAfter = DefaultResyncAfter
	}
	if cfg.Log == nil {
		cfg.Log = log.NewDiscard(log.ModuleGoBN)
	}
}

// Conn is a client GoBN session. SendMsg and RecvMsg may be called
// concurrently with each other, but not with themselves.
type Conn struct {
	cfg     Config
	log     *logging.Logger
	tr      Transport
	created time.Time
	state   uint32

	sendMu  sync.Mutex
	sendSeq uint8

	recvMu     sync.Mutex
	recvSeq    uint8
	reassembly []byte

	pendingMu sync.Mutex
	pending   []byte
}

// Dial performs the client SYN/SYNACK exchange over tr.
func Dial(ctx context.Context, tr Transport, cfg *Config) (*Conn, error) {
	const op = "lnc/gobn: dial"

	c := &Conn{tr: tr, created: time.Now()}
	if cfg != nil {
		c.cfg = *cfg
	}
	c.cfg.applyDefaults()
	c.log = c.cfg.Log

	atomic.StoreUint32(&c.state, stateSynSent)

	syn := (&Packet{Type: SYN, N: c.cfg.N}).Bytes()
	if err := c.send(ctx, syn); err != nil {
		atomic.StoreUint32(&c.state, stateError)
		return nil, err
	}
	c.log.Debugf("Sent SYN(n=%d)", c.cfg.N)

	for reads := 0; ; reads++ {
		if reads >= c.cfg.MaxIdleReads {
			atomic.StoreUint32(&c.state, stateError)
			return nil, lnc.Errorf(lnc.KindTimeout, op, "no SYN after %d reads", reads)
		}
		raw, err := c.recv(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				if reads+1 < c.cfg.MaxIdleReads {
					c.log.Debugf("No SYN within %v, resending", c.cfg.RecvTimeout)
					instrument.Retransmit()
					if err := c.send(ctx, syn); err != nil {
						atomic.StoreUint32(&c.state, stateError)
						return nil, err
					}
				}
				continue
			}
			atomic.StoreUint32(&c.state, stateError)
			return nil, err
		}
		pkt, err := ParsePacket(raw)
		if err != nil {
			c.log.Debugf("Dropping malformed packet: %v", err)
			continue
		}
		if pkt.Type != SYN {
			c.log.Debugf("Ignoring %v while waiting for SYN", pkt)
			continue
		}
		if pkt.N != c.cfg.N {
			atomic.StoreUint32(&c.state, stateError)
			return nil, lnc.Errorf(lnc.KindFrame, op, "window mismatch: sent %d, got %d", c.cfg.N, pkt.N)
		}
		break
	}

	if err := c.send(ctx, (&Packet{Type: SYNACK}).Bytes()); err != nil {
		atomic.StoreUint32(&c.state, stateError)
		return nil, err
	}
	atomic.StoreUint32(&c.state, stateReady)
	c.log.Debugf("GoBN session established")
	return c, nil
}

func (c *Conn) send(ctx context.Context, pkt []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.tr.Send(ctx, pkt)
}

func (c *Conn) recv(ctx context.Context) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RecvTimeout)
	defer cancel()
	return c.tr.Recv(rctx)
}

func (c *Conn) checkState(op string) error {
	switch atomic.LoadUint32(&c.state) {
	case stateReady, stateDataTransfer:
		return nil
	case stateClosed:
		return lnc.Errorf(lnc.KindConnectionClosed, op, "session closed")
	default:
		return lnc.Errorf(lnc.KindConnectionClosed, op, "session not established")
	}
}

// SendMsg sends payload as a single final DATA packet.
func (c *Conn) SendMsg(ctx context.Context, payload []byte) error {
	return c.sendMsg(ctx, payload, false)
}

// SendPendingMsg sends payload like SendMsg and caches the packet as the
// pending handshake message, which is resent on NACK, ping and read
// timeout until ClearPending is called.
func (c *Conn) SendPendingMsg(ctx context.Context, payload []byte) error {
	return c.sendMsg(ctx, payload, true)
}

func (c *Conn) sendMsg(ctx context.Context, payload []byte, cache bool) error {
	const op = "lnc/gobn: send"

	if err := c.checkState(op); err != nil {
		return err
	}
	if len(payload) > MaxMsgSize {
		return lnc.Errorf(lnc.KindFrame, op, "message of %d bytes exceeds %d", len(payload), MaxMsgSize)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	pkt := (&Packet{
		Type:    DATA,
		Seq:     c.sendSeq,
		Final:   true,
		Payload: WrapMsg(payload),
	}).Bytes()
	seq := c.sendSeq
	c.sendSeq = (c.sendSeq + 1) % c.cfg.N

	if cache {
		c.pendingMu.Lock()
		c.pending = pkt
		c.pendingMu.Unlock()
	}
	if err := c.tr.Send(ctx, pkt); err != nil {
		return err
	}
	c.log.Debugf("Sent DATA(seq=%d len=%d)", seq, len(payload))
	return nil
}

// ClearPending drops the pending handshake message. It is called the moment
// the handshake completes and the session enters data transfer.
func (c *Conn) ClearPending() {
	c.pendingMu.Lock()
	c.pending = nil
	c.pendingMu.Unlock()
	atomic.CompareAndSwapUint32(&c.state, stateReady, stateDataTransfer)
}

func (c *Conn) handshaking() bool {
	return atomic.LoadUint32(&c.state) != stateDataTransfer
}

// HasPending reports whether a handshake message is cached.
func (c *Conn) HasPending() bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.pending != nil
}

func (c *Conn) resendPending(ctx context.Context, why string) error {
	c.pendingMu.Lock()
	pkt := c.pending
	c.pendingMu.Unlock()
	if pkt == nil {
		return nil
	}
	c.log.Debugf("Resending pending message (%s)", why)
	instrument.Retransmit()
	return c.send(ctx, pkt)
}

// RecvMsg returns the next complete message, handling the control traffic
// that arrives in between.
func (c *Conn) RecvMsg(ctx context.Context) ([]byte, error) {
	const op = "lnc/gobn: recv"

	if err := c.checkState(op); err != nil {
		return nil, err
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	for idle := 0; ; {
		// The read ceiling only bounds the handshake.
		if idle >= c.cfg.MaxIdleReads && c.handshaking() {
			return nil, lnc.Errorf(lnc.KindTimeout, op, "no message after %d reads, expecting seq %d", idle, c.recvSeq)
		}

		raw, err := c.recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				idle++
				if err := c.resendPending(ctx, "read timeout"); err != nil {
					c.log.Debugf("Failed to resend pending message: %v", err)
				}
				continue
			}
			if lnc.KindOf(err) == lnc.KindUnknown {
				err = lnc.New(lnc.KindConnectionClosed, op, err)
			}
			atomic.StoreUint32(&c.state, stateError)
			return nil, err
		}

		pkt, err := ParsePacket(raw)
		if err != nil {
			c.log.Debugf("Dropping malformed packet: %v", err)
			idle++
			continue
		}

		switch pkt.Type {
		case DATA:
			if pkt.Ping {
				c.handlePing(ctx, pkt)
				continue
			}
			if pkt.Seq != c.recvSeq {
				c.log.Debugf("Out of order DATA(seq=%d), expected %d", pkt.Seq, c.recvSeq)
				instrument.NACK()
				if err := c.send(ctx, (&Packet{Type: NACK, Seq: c.recvSeq}).Bytes()); err != nil {
					c.log.Debugf("Failed to send NACK: %v", err)
				}
				idle++
				continue
			}

			c.reassembly = append(c.reassembly, pkt.Payload...)
			if err := c.send(ctx, (&Packet{Type: ACK, Seq: pkt.Seq}).Bytes()); err != nil {
				return nil, err
			}
			c.recvSeq = (c.recvSeq + 1) % c.cfg.N
			if !pkt.Final {
				continue
			}

			buf := c.reassembly
			c.reassembly = nil
			msg, err := UnwrapMsg(buf)
			if err != nil {
				// Already ACKed, the peer will not resend it.
				atomic.StoreUint32(&c.state, stateError)
				return nil, err
			}
			return msg, nil
		case NACK:
			c.log.Debugf("Received %v", pkt)
			if err := c.resendPending(ctx, "NACK"); err != nil {
				c.log.Debugf("Failed to resend pending message: %v", err)
			}
			idle++
		case FIN:
			atomic.StoreUint32(&c.state, stateClosed)
			return nil, lnc.Errorf(lnc.KindConnectionClosed, op, "FIN from peer")
		case SYN:
			if age := time.Since(c.created); age > c.cfg.ResyncAfter {
				atomic.StoreUint32(&c.state, stateError)
				return nil, lnc.Errorf(lnc.KindResyncRequired, op, "SYN after %v", age.Round(time.Millisecond))
			}
			idle++
		default:
			// ACK, SYNACK and unknown types.
			idle++
		}
	}
}

func (c *Conn) handlePing(ctx context.Context, pkt *Packet) {
	if err := c.send(ctx, (&Packet{Type: ACK, Seq: pkt.Seq}).Bytes()); err != nil {
		c.log.Debugf("Failed to ACK ping: %v", err)
	}
	if pkt.Seq == c.recvSeq {
		c.recvSeq = (c.recvSeq + 1) % c.cfg.N
	}
	if err := c.resendPending(ctx, "ping"); err != nil {
		c.log.Debugf("Failed to resend pending message: %v", err)
	}
}

// Close sends a best effort FIN and closes the transport.
func (c *Conn) Close() error {
	if atomic.SwapUint32(&c.state, stateClosed) == stateClosed {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), finTimeout)
	defer cancel()
	if err := c.send(ctx, (&Packet{Type: FIN}).Bytes()); err != nil {
		c.log.Debugf("Failed to send FIN: %v", err)
	}
	return c.tr.Close()
}
