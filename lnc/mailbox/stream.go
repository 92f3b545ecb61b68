// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fastjson"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/l402gate/core/worker"
	"github.com/katzenpost/l402gate/lnc"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Relay error code for an unknown stream.
const codeStreamNotFound = 2

const recvQueueSize = 64

type streamDesc struct {
	StreamID []byte `json:"stream_id"`
}

type sendRequest struct {
	Desc streamDesc `json:"desc"`
	Msg  []byte     `json:"msg"`
}

type recvResult struct {
	pkt []byte
	err error
}

// streams is the pair of hashmail WebSocket streams carrying one GoBN
// session. It implements gobn.Transport.
type streams struct {
	worker.Worker

	log     *logging.Logger
	dialer  *websocket.Dialer
	server  string
	sendSID [64]byte
	recvSID [64]byte

	writeMu sync.Mutex
	send    *websocket.Conn

	subscribeOnce sync.Once
	subscribeErr  error
	recvMu        sync.Mutex
	recv          *websocket.Conn
	closed        bool

	recvCh    chan recvResult
	closeOnce sync.Once
}

// serverError classifies a hashmail error response.
func serverError(code int, msg string) error {
	const op = "lnc/mailbox: relay"

	lower := strings.ToLower(msg)
	switch {
	case code == codeStreamNotFound || strings.Contains(lower, "stream not found"):
		return lnc.Errorf(lnc.KindStreamNotFound, op, "code %d: %s", code, msg)
	case strings.Contains(lower, "stream occupied") || strings.Contains(lower, "already active"):
		return lnc.Errorf(lnc.KindStreamOccupied, op, "code %d: %s", code, msg)
	default:
		return lnc.Errorf(lnc.KindUnknown, op, "code %d: %s", code, msg)
	}
}

// parseResponse returns the packet carried by a relay response, nil for a
// response without one.
func parseResponse(b []byte) ([]byte, error) {
	const op = "lnc/mailbox: response"

	var p fastjson.Parser
	v, err := p.ParseBytes(b)
	if err != nil {
		return nil, lnc.New(lnc.KindFrame, op, err)
	}
	if e := v.Get("error"); e != nil {
		return nil, serverError(e.GetInt("code"), string(e.GetStringBytes("message")))
	}
	msg := v.GetStringBytes("result", "msg")
	if len(msg) == 0 {
		return nil, nil
	}
	pkt, err := base64.StdEncoding.DecodeString(string(msg))
	if err != nil {
		return nil, lnc.New(lnc.KindFrame, op, err)
	}
	return pkt, nil
}

func dialWS(ctx context.Context, dialer *websocket.Dialer, url string) (*websocket.Conn, error) {
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("lnc/mailbox: dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("lnc/mailbox: dial %s: %w", url, err)
	}
	return conn, nil
}

// openStreams connects the send stream. The receive stream is subscribed on
// the first Recv, after the caller has sent its SYN.
func openStreams(ctx context.Context, dialer *websocket.Dialer, server string, sendSID, recvSID [64]byte, log *logging.Logger) (*streams, error) {
	conn, err := dialWS(ctx, dialer, SendURL(server))
	if err != nil {
		return nil, err
	}
	s := &streams{
		log:     log,
		dialer:  dialer,
		server:  server,
		sendSID: sendSID,
		recvSID: recvSID,
		send:    conn,
		recvCh:  make(chan recvResult, recvQueueSize),
	}
	// The relay reports send side failures on the send socket.
	s.Go(func() { s.readLoop(conn, "send") })
	return s, nil
}

func (s *streams) subscribe(ctx context.Context) error {
	conn, err := dialWS(ctx, s.dialer, ReceiveURL(s.server))
	if err != nil {
		return err
	}
	req, err := json.Marshal(streamDesc{StreamID: s.recvSID[:]})
	if err != nil {
		conn.Close()
		return err
	}
	setWriteDeadline(ctx, conn)
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		conn.Close()
		return lnc.New(lnc.KindConnectionClosed, "lnc/mailbox: subscribe", err)
	}

	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	if s.closed {
		conn.Close()
		return lnc.Errorf(lnc.KindConnectionClosed, "lnc/mailbox: subscribe", "streams closed")
	}
	s.recv = conn
	s.Go(func() { s.readLoop(conn, "receive") })
	s.log.Debugf("Subscribed to receive stream")
	return nil
}

func (s *streams) readLoop(conn *websocket.Conn, name string) {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if !s.IsHalted() {
				s.push(recvResult{err: lnc.New(lnc.KindConnectionClosed, "lnc/mailbox: "+name+" stream", err)})
			}
			return
		}
		pkt, err := parseResponse(b)
		switch {
		case err != nil:
			s.log.Debugf("%s stream: %v", name, err)
			s.push(recvResult{err: err})
			return
		case pkt == nil:
			continue
		default:
			if !s.push(recvResult{pkt: pkt}) {
				return
			}
		}
	}
}

func (s *streams) push(r recvResult) bool {
	select {
	case s.recvCh <- r:
		return true
	case <-s.HaltCh():
		return false
	}
}

func setWriteDeadline(ctx context.Context, conn *websocket.Conn) {
	if d, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(d)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
}

// Send implements gobn.Transport.
func (s *streams) Send(ctx context.Context, pkt []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req, err := json.Marshal(&sendRequest{
		Desc: streamDesc{StreamID: s.sendSID[:]},
		Msg:  pkt,
	})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	setWriteDeadline(ctx, s.send)
	if err := s.send.WriteMessage(websocket.TextMessage, req); err != nil {
		return lnc.New(lnc.KindConnectionClosed, "lnc/mailbox: send", err)
	}
	return nil
}

// Recv implements gobn.Transport.
func (s *streams) Recv(ctx context.Context) ([]byte, error) {
	s.subscribeOnce.Do(func() {
		s.subscribeErr = s.subscribe(ctx)
	})
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}

	select {
	case r := <-s.recvCh:
		return r.pkt, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.HaltCh():
		return nil, lnc.Errorf(lnc.KindConnectionClosed, "lnc/mailbox: recv", "streams closed")
	}
}

// Close implements gobn.Transport.
func (s *streams) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.send.Close()
		s.recvMu.Lock()
		s.closed = true
		if s.recv != nil {
			s.recv.Close()
		}
		s.recvMu.Unlock()
		s.Halt()
	})
	return err
}
