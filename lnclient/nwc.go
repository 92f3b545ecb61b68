// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package lnclient

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/katzenpost/hpqc/rand"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/valyala/fastjson"
	"gopkg.in/op/go-logging.v1"
)

const (
	nwcScheme          = "nostr+walletconnect"
	kindNWCRequest     = 23194
	kindNWCResponse    = 23195
	defaultNWCDeadline = time.Minute
)

// Event ids are hashed over the unescaped serialization.
var nostrJSON = jsoniter.Config{EscapeHTML: false}.Froze()

type nwcURI struct {
	walletPub    *btcec.PublicKey
	walletPubHex string
	relay        string
	secret       *btcec.PrivateKey
}

func parseNWCURI(s string) (*nwcURI, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if u.Scheme != nwcScheme {
		return nil, fmt.Errorf("scheme %q is not %s", u.Scheme, nwcScheme)
	}
	pubHex := u.Host
	if pubHex == "" {
		pubHex = u.Opaque
	}
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("wallet pubkey: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("wallet pubkey: %w", err)
	}

	q := u.Query()
	relay := q.Get("relay")
	if relay == "" {
		return nil, errors.New("no relay")
	}
	secret, err := hex.DecodeString(q.Get("secret"))
	if err != nil || len(secret) != 32 {
		return nil, errors.New("secret must be 32 hex encoded bytes")
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)

	return &nwcURI{
		walletPub:    pub,
		walletPubHex: strings.ToLower(pubHex),
		relay:        relay,
		secret:       priv,
	}, nil
}

type nostrEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

func (e *nostrEvent) hash() ([32]byte, error) {
	if e.Tags == nil {
		e.Tags = [][]string{}
	}
	b, err := nostrJSON.Marshal([]interface{}{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content})
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

func (e *nostrEvent) sign(priv *btcec.PrivateKey) error {
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	h, err := e.hash()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(priv, h[:])
	if err != nil {
		return err
	}
	e.ID = hex.EncodeToString(h[:])
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

func (e *nostrEvent) verify() error {
	h, err := e.hash()
	if err != nil {
		return err
	}
	if hex.EncodeToString(h[:]) != e.ID {
		return errors.New("event id mismatch")
	}
	pk, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return err
	}
	pub, err := schnorr.ParsePubKey(pk)
	if err != nil {
		return err
	}
	sb, err := hex.DecodeString(e.Sig)
	if err != nil {
		return err
	}
	sig, err := schnorr.ParseSignature(sb)
	if err != nil {
		return err
	}
	if !sig.Verify(h[:], pub) {
		return errors.New("bad event signature")
	}
	return nil
}

func (e *nostrEvent) tag(name string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// nip04Encrypt encrypts with AES-256-CBC under the x coordinate of the ECDH
// point, encoded as base64(ciphertext) "?iv=" base64(iv).
func nip04Encrypt(priv *btcec.PrivateKey, pub *btcec.PublicKey, pt []byte) (string, error) {
	block, err := aes.NewCipher(btcec.GenerateSharedSecret(priv, pub))
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	pad := aes.BlockSize - len(pt)%aes.BlockSize
	buf := append(append([]byte{}, pt...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
	return base64.StdEncoding.EncodeToString(buf) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

func nip04Decrypt(priv *btcec.PrivateKey, pub *btcec.PublicKey, content string) ([]byte, error) {
	ctB64, ivB64, ok := strings.Cut(content, "?iv=")
	if !ok {
		return nil, errors.New("nip04: missing iv")
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("nip04: malformed ciphertext")
	}
	block, err := aes.NewCipher(btcec.GenerateSharedSecret(priv, pub))
	if err != nil {
		return nil, err
	}
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(ct, ct)
	pad := int(ct[len(ct)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(ct) {
		return nil, errors.New("nip04: bad padding")
	}
	for _, b := range ct[len(ct)-pad:] {
		if int(b) != pad {
			return nil, errors.New("nip04: bad padding")
		}
	}
	return ct[:len(ct)-pad], nil
}

type nwcRequest struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

type nwcResponse struct {
	ResultType string `json:"result_type"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Result *struct {
		Invoice     string `json:"invoice"`
		PaymentHash string `json:"payment_hash"`
	} `json:"result"`
}

// nwcClient issues NIP-47 make_invoice requests, one relay connection per
// request.
type nwcClient struct {
	uri    *nwcURI
	dialer *websocket.Dialer
	log    *logging.Logger
}

func newNWCClient(uri string, log *logging.Logger) (*nwcClient, error) {
	u, err := parseNWCURI(uri)
	if err != nil {
		return nil, err
	}
	return &nwcClient{uri: u, dialer: websocket.DefaultDialer, log: log}, nil
}

func (c *nwcClient) request(amountMsat int64, memo string) (*nostrEvent, error) {
	body, err := json.Marshal(&nwcRequest{
		Method: "make_invoice",
		Params: map[string]interface{}{
			"amount":      amountMsat,
			"description": memo,
		},
	})
	if err != nil {
		return nil, err
	}
	content, err := nip04Encrypt(c.uri.secret, c.uri.walletPub, body)
	if err != nil {
		return nil, err
	}
	ev := &nostrEvent{
		CreatedAt: time.Now().Unix(),
		Kind:      kindNWCRequest,
		Tags:      [][]string{{"p", c.uri.walletPubHex}},
		Content:   content,
	}
	if err := ev.sign(c.uri.secret); err != nil {
		return nil, err
	}
	return ev, nil
}

func (c *nwcClient) createInvoice(ctx context.Context, amountMsat int64, memo string) (*Invoice, error) {
	const op = "lnclient: NWC make_invoice"

	req, err := c.request(amountMsat, memo)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.uri.relay, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: relay: %w", op, err)
	}
	defer conn.Close()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultNWCDeadline)
	}
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	subID := req.ID[:16]
	filter := map[string]interface{}{
		"kinds":   []int{kindNWCResponse},
		"authors": []string{c.uri.walletPubHex},
		"#e":      []string{req.ID},
	}
	for _, msg := range [][]interface{}{
		{"REQ", subID, filter},
		{"EVENT", req},
	} {
		if err := conn.WriteJSON(msg); err != nil {
			return nil, fmt.Errorf("%s: relay: %w", op, err)
		}
	}
	defer conn.WriteJSON([]interface{}{"CLOSE", subID})

	var p fastjson.Parser
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%s: relay: %w", op, err)
		}
		v, err := p.ParseBytes(b)
		if err != nil {
			c.log.Debugf("Dropping malformed relay message: %v", err)
			continue
		}
		arr, err := v.Array()
		if err != nil || len(arr) == 0 {
			continue
		}

		switch string(arr[0].GetStringBytes()) {
		case "EVENT":
			if len(arr) < 3 || string(arr[1].GetStringBytes()) != subID {
				continue
			}
			inv, err := c.handleResponse(req, arr[2].MarshalTo(nil))
			if err != nil {
				c.log.Debugf("Ignoring NWC event: %v", err)
				if errors.Is(err, errWalletRefused) {
					return nil, fmt.Errorf("%s: %w", op, err)
				}
				continue
			}
			return inv, nil
		case "OK":
			if len(arr) >= 3 && string(arr[1].GetStringBytes()) == req.ID && !arr[2].GetBool() {
				reason := ""
				if len(arr) >= 4 {
					reason = string(arr[3].GetStringBytes())
				}
				return nil, fmt.Errorf("%s: relay rejected request: %s", op, reason)
			}
		case "CLOSED":
			return nil, fmt.Errorf("%s: relay closed subscription", op)
		case "NOTICE":
			if len(arr) >= 2 {
				c.log.Infof("NWC relay notice: %s", arr[1].GetStringBytes())
			}
		}
	}
}

var errWalletRefused = errors.New("wallet returned an error")

func (c *nwcClient) handleResponse(req *nostrEvent, raw []byte) (*Invoice, error) {
	var ev nostrEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	if ev.Kind != kindNWCResponse || ev.PubKey != c.uri.walletPubHex || ev.tag("e") != req.ID {
		return nil, errors.New("not a response to our request")
	}
	if err := ev.verify(); err != nil {
		return nil, err
	}
	pt, err := nip04Decrypt(c.uri.secret, c.uri.walletPub, ev.Content)
	if err != nil {
		return nil, err
	}

	var resp nwcResponse
	if err := json.Unmarshal(pt, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s: %s", errWalletRefused, resp.Error.Code, resp.Error.Message)
	}
	if resp.Result == nil || resp.Result.Invoice == "" {
		return nil, fmt.Errorf("%w: empty result", errWalletRefused)
	}

	if resp.Result.PaymentHash != "" {
		hash, err := lntypes.MakeHashFromStr(resp.Result.PaymentHash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errWalletRefused, err)
		}
		return &Invoice{PaymentRequest: resp.Result.Invoice, PaymentHash: hash}, nil
	}
	hash, err := invoiceHash(resp.Result.Invoice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errWalletRefused, err)
	}
	return &Invoice{PaymentRequest: resp.Result.Invoice, PaymentHash: hash}, nil
}

// invoiceHash decodes a BOLT11 invoice of any known network.
func invoiceHash(payReq string) (lntypes.Hash, error) {
	for _, params := range networks {
		inv, err := zpay32.Decode(payReq, params)
		if err != nil || inv.PaymentHash == nil {
			continue
		}
		return lntypes.Hash(*inv.PaymentHash), nil
	}
	return lntypes.Hash{}, errors.New("undecodable invoice")
}
