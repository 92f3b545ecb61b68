// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package mailbox connects to a Lightning node through the LNC mailbox relay
// and exposes the node's gRPC interface over the resulting encrypted pipe.
package mailbox

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/l402gate/core/log"
	"github.com/katzenpost/l402gate/core/retry"
	"github.com/katzenpost/l402gate/internal/instrument"
	"github.com/katzenpost/l402gate/lnc"
	"github.com/katzenpost/l402gate/lnc/gobn"
	"github.com/katzenpost/l402gate/lnc/noise"
	"github.com/katzenpost/l402gate/lnc/pairing"
)

const defaultHandshakeTimeout = 2 * time.Minute

// Config configures a Client. The zero value is usable.
type Config struct {
	// Server overrides the credential's mailbox server.
	Server string

	// Dialer is used for the hashmail WebSockets.
	Dialer *websocket.Dialer

	// Retry is the connection retry policy, retry.DefaultPolicy() if zero.
	Retry retry.Policy

	// GoBN tunes the GoBN session.
	GoBN gobn.Config

	// HandshakeTimeout bounds one connection attempt.
	HandshakeTimeout time.Duration

	// DisableAutoFlush leaves flushing of buffered writes to the caller.
	DisableAutoFlush bool
}

// Client is a lazily connected LNC client.
type Client struct {
	cred *pairing.Credential
	cfg  Config
	log  *logging.Logger

	mu       sync.Mutex
	conn     *Conn
	grpcConn *grpc.ClientConn
	ln       lnrpc.LightningClient
	authData []byte
	md       metadata.MD
}

// NewClient returns a Client for cred. Nothing is dialed until Connect or
// the first RPC.
func NewClient(cred *pairing.Credential, cfg *Config, l *logging.Logger) *Client {
	c := &Client{cred: cred, log: l}
	if cfg != nil {
		c.cfg = *cfg
	}
	if c.cfg.Dialer == nil {
		c.cfg.Dialer = websocket.DefaultDialer
	}
	if c.cfg.Retry.MaxAttempts == 0 {
		c.cfg.Retry = retry.DefaultPolicy()
	}
	if c.cfg.HandshakeTimeout == 0 {
		c.cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.log == nil {
		c.log = log.NewDiscard(log.ModuleMailbox)
	}
	if c.cfg.GoBN.Log == nil {
		c.cfg.GoBN.Log = c.log
	}
	return c
}

func (c *Client) server() string {
	if c.cfg.Server != "" {
		return c.cfg.Server
	}
	return c.cred.MailboxServer
}

// classify maps a connection attempt failure onto the retry policy.
func classify(err error) retry.Class {
	switch lnc.KindOf(err) {
	case lnc.KindStreamOccupied:
		return retry.Contended
	case lnc.KindStreamNotFound, lnc.KindResyncRequired, lnc.KindTimeout:
		return retry.Transient
	case lnc.KindUnknown, lnc.KindConnectionClosed:
		if retry.IsTransientError(err) {
			return retry.Transient
		}
	}
	return retry.Permanent
}

// Connect establishes the mailbox pipe and the gRPC client over it if they
// are not already up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil && !c.conn.Broken() {
		return nil
	}
	c.resetLocked()

	secret, err := c.cred.Stretched()
	if err != nil {
		return err
	}

	// Act 1 is masked once and replayed on every attempt.
	base := noise.NewInitiator(c.cred.LocalStatic, secret)
	act1, err := base.WriteAct1()
	if err != nil {
		return err
	}

	var conn *Conn
	var authData []byte
	err = retry.Do(ctx, c.cfg.Retry, classify, func(attempt int) error {
		var err error
		conn, authData, err = c.attempt(ctx, base.Clone(), act1)
		if err != nil {
			instrument.MailboxConnect(lnc.KindOf(err).String())
			c.log.Warningf("Mailbox connection attempt %d failed: %v", attempt+1, err)
			return err
		}
		instrument.MailboxConnect("ok")
		return nil
	})
	if err != nil {
		return err
	}

	md, err := parseAuthData(authData)
	if err != nil {
		conn.Close()
		return err
	}

	var dialed bool
	var dialMu sync.Mutex
	cc, err := grpc.NewClient("passthrough:///lnc",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			dialMu.Lock()
			defer dialMu.Unlock()
			if dialed {
				return nil, lnc.Errorf(lnc.KindConnectionClosed, "lnc/mailbox: dial", "mailbox pipe already used")
			}
			dialed = true
			return conn, nil
		}),
	)
	if err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.grpcConn = cc
	c.ln = lnrpc.NewLightningClient(cc)
	c.authData = authData
	c.md = md
	c.log.Noticef("Connected to node through mailbox %s", BaseURL(c.server()))
	return nil
}

// attempt runs one GoBN dial and Noise handshake.
func (c *Client) attempt(ctx context.Context, hs *noise.Handshake, act1 []byte) (*Conn, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	tr, err := openStreams(ctx, c.cfg.Dialer, c.server(), c.cred.SendSID(), c.cred.ReceiveSID(), c.log)
	if err != nil {
		return nil, nil, err
	}
	gcfg := c.cfg.GoBN
	gbn, err := gobn.Dial(ctx, tr, &gcfg)
	if err != nil {
		tr.Close()
		return nil, nil, err
	}

	fail := func(err error) (*Conn, []byte, error) {
		gbn.Close()
		return nil, nil, err
	}

	if err := gbn.SendPendingMsg(ctx, act1); err != nil {
		return fail(err)
	}
	act2, err := gbn.RecvMsg(ctx)
	if err != nil {
		return fail(err)
	}
	if err := hs.ReadAct2(act2); err != nil {
		return fail(err)
	}
	act3, err := hs.WriteAct3()
	if err != nil {
		return fail(err)
	}
	if err := gbn.SendMsg(ctx, act3); err != nil {
		return fail(err)
	}
	gbn.ClearPending()

	machine, err := hs.Split()
	if err != nil {
		return fail(err)
	}
	c.log.Debugf("Noise handshake complete (version %d)", hs.Version())
	return NewConn(gbn, machine, c.log, !c.cfg.DisableAutoFlush), hs.AuthData(), nil
}

// parseAuthData turns the "Key: value" lines of the handshake payload into
// gRPC metadata with lower case keys.
func parseAuthData(b []byte) (metadata.MD, error) {
	md := metadata.MD{}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, lnc.Errorf(lnc.KindFrame, "lnc/mailbox: auth data", "malformed line %q", line)
		}
		md.Append(strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v))
	}
	return md, nil
}

// AuthData returns the auth data sent by the node during the handshake.
func (c *Client) AuthData() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.authData)
}

func (c *Client) resetLocked() {
	if c.grpcConn != nil {
		c.grpcConn.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn, c.grpcConn, c.ln, c.authData, c.md = nil, nil, nil, nil, nil
}

func (c *Client) lightning(ctx context.Context) (lnrpc.LightningClient, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return nil, nil, err
	}
	return c.ln, metadata.NewOutgoingContext(ctx, c.md.Copy()), nil
}

func (c *Client) afterRPC(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.Broken() {
		c.log.Warningf("Discarding broken mailbox connection: %v", err)
		c.resetLocked()
	}
}

// CreateInvoice adds an invoice on the node.
func (c *Client) CreateInvoice(ctx context.Context, amountMsat int64, memo string) (string, lntypes.Hash, error) {
	ln, rctx, err := c.lightning(ctx)
	if err != nil {
		return "", lntypes.Hash{}, err
	}
	resp, err := ln.AddInvoice(rctx, &lnrpc.Invoice{
		Memo:      memo,
		ValueMsat: amountMsat,
	})
	c.afterRPC(err)
	if err != nil {
		return "", lntypes.Hash{}, fmt.Errorf("lnc/mailbox: AddInvoice: %w", err)
	}
	hash, err := lntypes.MakeHash(resp.RHash)
	if err != nil {
		return "", lntypes.Hash{}, fmt.Errorf("lnc/mailbox: AddInvoice: %w", err)
	}
	return resp.PaymentRequest, hash, nil
}

// Close tears down the pipe. The client reconnects on the next call.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}
