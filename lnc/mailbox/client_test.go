// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package mailbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/katzenpost/l402gate/core/retry"
	"github.com/katzenpost/l402gate/lnc"
	"github.com/katzenpost/l402gate/lnc/gobn"
	"github.com/katzenpost/l402gate/lnc/noise"
	"github.com/katzenpost/l402gate/lnc/pairing"
)

const (
	testPhrase   = "abandon ability able about above absent absorb abstract absurd abuse"
	testMacaroon = "0201abcd"
	testPayReq   = "lnbcrt10n1ptestinvoice"
)

var testRHash = bytes.Repeat([]byte{0x42}, 32)

type fakeLightning struct {
	lnrpc.UnimplementedLightningServer
}

func (f *fakeLightning) AddInvoice(ctx context.Context, in *lnrpc.Invoice) (*lnrpc.AddInvoiceResponse, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if got := md.Get("macaroon"); len(got) != 1 || got[0] != testMacaroon {
		return nil, fmt.Errorf("bad macaroon metadata: %v", got)
	}
	if in.ValueMsat != 21000 || in.Memo != "coffee" {
		return nil, fmt.Errorf("unexpected invoice %v", in)
	}
	return &lnrpc.AddInvoiceResponse{RHash: testRHash, PaymentRequest: testPayReq}, nil
}

type oneConnListener struct {
	ch     chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newOneConnListener(c net.Conn) *oneConnListener {
	l := &oneConnListener{ch: make(chan net.Conn, 1), closed: make(chan struct{})}
	l.ch <- c
	return l
}

func (l *oneConnListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *oneConnListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *oneConnListener) Addr() net.Addr { return lncAddr("node") }

// fakeNode is the node side of a session: GoBN server, Noise responder and
// a gRPC Lightning server behind the transport keys.
type fakeNode struct {
	secret   [32]byte
	static   *btcec.PrivateKey
	authData []byte

	in  chan []byte
	out chan []byte

	mu      sync.Mutex
	seq     uint8
	hs      *noise.Handshake
	machine *noise.Machine
	encBuf  []byte
	pipe    net.Conn
	srv     *grpc.Server
}

func newFakeNode(secret [32]byte) *fakeNode {
	static, err := btcec.NewPrivateKey()
	if err != nil {
		panic(err)
	}
	return &fakeNode{
		secret:   secret,
		static:   static,
		authData: []byte("Macaroon: " + testMacaroon),
		in:       make(chan []byte, 1024),
		out:      make(chan []byte, 1024),
	}
}

func (n *fakeNode) push(p *gobn.Packet) {
	n.out <- p.Bytes()
}

func (n *fakeNode) sendData(msg []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.push(&gobn.Packet{Type: gobn.DATA, Seq: n.seq, Final: true, Payload: gobn.WrapMsg(msg)})
	n.seq = (n.seq + 1) % gobn.DefaultN
}

func (n *fakeNode) reset() {
	for {
		select {
		case <-n.out:
			continue
		default:
		}
		break
	}
	if n.srv != nil {
		n.srv.Stop()
		n.srv = nil
	}
	if n.pipe != nil {
		n.pipe.Close()
		n.pipe = nil
	}
	n.mu.Lock()
	n.seq = 0
	n.mu.Unlock()
	n.hs = noise.NewResponder(n.static, n.secret, n.authData)
	n.machine = nil
	n.encBuf = nil
}

func (n *fakeNode) run() {
	for raw := range n.in {
		p, err := gobn.ParsePacket(raw)
		if err != nil {
			continue
		}
		switch p.Type {
		case gobn.SYN:
			n.reset()
			n.push(&gobn.Packet{Type: gobn.SYN, N: p.N})
		case gobn.DATA:
			if p.Ping {
				continue
			}
			n.push(&gobn.Packet{Type: gobn.ACK, Seq: p.Seq})
			msg, err := gobn.UnwrapMsg(p.Payload)
			if err != nil {
				continue
			}
			n.handle(msg)
		}
	}
}

func (n *fakeNode) handle(msg []byte) {
	if n.hs == nil {
		return
	}
	switch n.hs.State() {
	case noise.StateInit:
		if err := n.hs.ReadAct1(msg); err != nil {
			n.push(&gobn.Packet{Type: gobn.FIN})
			return
		}
		act2, err := n.hs.WriteAct2()
		if err != nil {
			panic(err)
		}
		n.sendData(act2)
	case noise.StateAct2Sent:
		if err := n.hs.ReadAct3(msg); err != nil {
			n.push(&gobn.Packet{Type: gobn.FIN})
			return
		}
		m, err := n.hs.Split()
		if err != nil {
			panic(err)
		}
		n.machine = m
		n.startGRPC()
	case noise.StateSplit:
		n.encBuf = append(n.encBuf, msg...)
		for {
			pt, k, err := n.machine.Decrypt(n.encBuf)
			if err != nil {
				break
			}
			n.encBuf = n.encBuf[k:]
			if _, err := n.pipe.Write(pt); err != nil {
				return
			}
		}
	}
}

func (n *fakeNode) startGRPC() {
	nodeEnd, srvEnd := net.Pipe()
	n.pipe = nodeEnd
	machine := n.machine
	go func() {
		buf := make([]byte, 32*1024)
		for {
			k, err := nodeEnd.Read(buf)
			if err != nil {
				return
			}
			frame, err := machine.Encrypt(buf[:k])
			if err != nil {
				return
			}
			n.sendData(frame)
		}
	}()
	n.srv = grpc.NewServer()
	lnrpc.RegisterLightningServer(n.srv, &fakeLightning{})
	go n.srv.Serve(newOneConnListener(srvEnd))
}

// fakeRelay is a hashmail relay serving one client/node stream pair.
type fakeRelay struct {
	node     *fakeNode
	sendSID  [64]byte
	recvSID  [64]byte
	upgrader websocket.Upgrader

	mu        sync.Mutex
	notFound  int
	sendConns int
}

func (r *fakeRelay) sendConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendConns
}

func (r *fakeRelay) handleSend(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	r.mu.Lock()
	r.sendConns++
	r.mu.Unlock()

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sr sendRequest
		if err := json.Unmarshal(b, &sr); err != nil || !bytes.Equal(sr.Desc.StreamID, r.sendSID[:]) {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"error":{"code":3,"message":"bad request"}}`))
			continue
		}
		r.node.in <- sr.Msg
	}
}

func (r *fakeRelay) handleReceive(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, b, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var d streamDesc
	if err := json.Unmarshal(b, &d); err != nil {
		return
	}

	r.mu.Lock()
	notFound := r.notFound > 0
	if notFound {
		r.notFound--
	}
	r.mu.Unlock()
	if notFound || !bytes.Equal(d.StreamID, r.recvSID[:]) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":{"code":2,"message":"stream not found"}}`))
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case pkt := <-r.node.out:
			resp := fmt.Sprintf(`{"result":{"msg":"%s"}}`, base64.StdEncoding.EncodeToString(pkt))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(resp)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

type harness struct {
	cred   *pairing.Credential
	node   *fakeNode
	relay  *fakeRelay
	server string
}

func newHarness(t *testing.T, nodeSecret *[32]byte) *harness {
	t.Helper()

	cred, err := pairing.Derive(testPhrase)
	require.NoError(t, err)
	secret, err := cred.Stretched()
	require.NoError(t, err)
	if nodeSecret != nil {
		secret = *nodeSecret
	}

	node := newFakeNode(secret)
	go node.run()

	relay := &fakeRelay{
		node:    node,
		sendSID: cred.SendSID(),
		recvSID: cred.ReceiveSID(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/lightning-node-connect/hashmail/send", relay.handleSend)
	mux.HandleFunc("/v1/lightning-node-connect/hashmail/receive", relay.handleReceive)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		close(node.in)
	})

	return &harness{
		cred:   cred,
		node:   node,
		relay:  relay,
		server: "ws://" + strings.TrimPrefix(srv.URL, "http://"),
	}
}

func (h *harness) client() *Client {
	return NewClient(h.cred, &Config{
		Server: h.server,
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
		},
		HandshakeTimeout: 20 * time.Second,
	}, nil)
}

func TestClientCreateInvoice(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, nil)
	c := h.client()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payReq, hash, err := c.CreateInvoice(ctx, 21000, "coffee")
	require.NoError(err)
	require.Equal(testPayReq, payReq)
	require.Equal(testRHash, hash[:])
	require.Equal("Macaroon: "+testMacaroon, c.AuthData())

	// The pipe is reused.
	_, _, err = c.CreateInvoice(ctx, 21000, "coffee")
	require.NoError(err)
	require.Equal(1, h.relay.sendConnCount())

	require.NoError(c.Close())
	require.Empty(c.AuthData())
}

func TestClientRenegotiatesAfterFIN(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, nil)
	c := h.client()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, _, err := c.CreateInvoice(ctx, 21000, "coffee")
	require.NoError(err)
	require.Equal(1, h.relay.sendConnCount())

	c.mu.Lock()
	first := c.conn
	c.mu.Unlock()

	h.node.push(&gobn.Packet{Type: gobn.FIN})
	require.Eventually(first.Broken, 5*time.Second, 10*time.Millisecond)

	payReq, hash, err := c.CreateInvoice(ctx, 21000, "coffee")
	require.NoError(err)
	require.Equal(testPayReq, payReq)
	require.Equal(testRHash, hash[:])
	require.Equal(2, h.relay.sendConnCount())

	c.mu.Lock()
	require.NotSame(first, c.conn)
	c.mu.Unlock()
}

func TestClientRetriesStreamNotFound(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, nil)
	h.relay.notFound = 1
	c := h.client()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(c.Connect(ctx))
	require.Equal(2, h.relay.sendConnCount())

	_, _, err := c.CreateInvoice(ctx, 21000, "coffee")
	require.NoError(err)
}

func TestClientWrongSecret(t *testing.T) {
	require := require.New(t)
	wrong := [32]byte{1}
	h := newHarness(t, &wrong)
	c := h.client()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := c.Connect(ctx)
	require.Error(err)
	require.Equal(lnc.KindConnectionClosed, lnc.KindOf(err))
	require.False(errors.Is(err, retry.ErrExhausted))
	require.Equal(1, h.relay.sendConnCount())
}

func TestClassify(t *testing.T) {
	require := require.New(t)

	require.Equal(retry.Contended, classify(lnc.Errorf(lnc.KindStreamOccupied, "op", "x")))
	require.Equal(retry.Transient, classify(lnc.Errorf(lnc.KindStreamNotFound, "op", "x")))
	require.Equal(retry.Transient, classify(lnc.Errorf(lnc.KindResyncRequired, "op", "x")))
	require.Equal(retry.Transient, classify(lnc.Errorf(lnc.KindTimeout, "op", "x")))
	require.Equal(retry.Transient, classify(errors.New("dial tcp: connection refused")))
	require.Equal(retry.Transient, classify(lnc.Errorf(lnc.KindConnectionClosed, "op", "read: connection reset by peer")))
	require.Equal(retry.Permanent, classify(lnc.Errorf(lnc.KindConnectionClosed, "op", "FIN from peer")))
	require.Equal(retry.Permanent, classify(lnc.Errorf(lnc.KindHandshakeAuth, "op", "x")))
	require.Equal(retry.Permanent, classify(lnc.Errorf(lnc.KindFrame, "op", "x")))
	require.Equal(retry.Permanent, classify(lnc.Errorf(lnc.KindInput, "op", "x")))
}
