// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package lnclient

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/lightningnetwork/lnd/lntypes"
)

const (
	clnSocketName = "lightning-rpc"
	clnLabelPref  = "l402-"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	ID     uint64              `json:"id"`
	Result jsoniter.RawMessage `json:"result"`
	Error  *rpcError           `json:"error"`
}

// clnRPC speaks JSON-RPC 2.0 to lightningd over its unix socket, one
// connection per call.
type clnRPC struct {
	path   string
	nextID uint64
}

func newCLNRPC(lightningDir string) *clnRPC {
	return &clnRPC{path: filepath.Join(lightningDir, clnSocketName)}
}

func (r *clnRPC) call(ctx context.Context, method string, params, result interface{}) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", r.path)
	if err != nil {
		return fmt.Errorf("lnclient: CLN %s: %w", method, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	} else {
		conn.SetDeadline(time.Now().Add(time.Minute))
	}

	id := atomic.AddUint64(&r.nextID, 1)
	if err := json.NewEncoder(conn).Encode(&rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}); err != nil {
		return fmt.Errorf("lnclient: CLN %s: %w", method, err)
	}

	var resp rpcResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("lnclient: CLN %s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("lnclient: CLN %s: %w", method, resp.Error)
	}
	if resp.ID != id {
		return fmt.Errorf("lnclient: CLN %s: response id %d, expected %d", method, resp.ID, id)
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("lnclient: CLN %s: %w", method, err)
	}
	return nil
}

type clnClient struct {
	rpc *clnRPC
}

func newCLNClient(lightningDir string) *clnClient {
	return &clnClient{rpc: newCLNRPC(lightningDir)}
}

func (c *clnClient) createInvoice(ctx context.Context, amountMsat int64, memo string) (*Invoice, error) {
	params := map[string]interface{}{
		"amount_msat": amountMsat,
		"label":       clnLabelPref + uuid.New().String(),
		"description": memo,
	}
	var resp struct {
		Bolt11      string `json:"bolt11"`
		PaymentHash string `json:"payment_hash"`
	}
	if err := c.rpc.call(ctx, "invoice", params, &resp); err != nil {
		return nil, err
	}
	hash, err := lntypes.MakeHashFromStr(resp.PaymentHash)
	if err != nil {
		return nil, fmt.Errorf("lnclient: CLN invoice: %w", err)
	}
	return &Invoice{PaymentRequest: resp.Bolt11, PaymentHash: hash}, nil
}

// bolt12Client fetches an invoice for a fixed offer and decodes it for the
// payment hash.
type bolt12Client struct {
	rpc   *clnRPC
	offer string
}

func newBolt12Client(lightningDir, offer string) *bolt12Client {
	return &bolt12Client{rpc: newCLNRPC(lightningDir), offer: offer}
}

func (c *bolt12Client) createInvoice(ctx context.Context, amountMsat int64, memo string) (*Invoice, error) {
	params := map[string]interface{}{
		"offer":       c.offer,
		"amount_msat": amountMsat,
	}
	if memo != "" {
		params["payer_note"] = memo
	}
	var fetched struct {
		Invoice string `json:"invoice"`
	}
	if err := c.rpc.call(ctx, "fetchinvoice", params, &fetched); err != nil {
		return nil, err
	}

	var decoded struct {
		Type        string `json:"type"`
		PaymentHash string `json:"invoice_payment_hash"`
		LegacyHash  string `json:"payment_hash"`
	}
	if err := c.rpc.call(ctx, "decode", map[string]interface{}{"string": fetched.Invoice}, &decoded); err != nil {
		return nil, err
	}
	h := decoded.PaymentHash
	if h == "" {
		h = decoded.LegacyHash
	}
	if h == "" {
		return nil, fmt.Errorf("lnclient: BOLT12 decode: no payment hash in %q invoice", decoded.Type)
	}
	hash, err := lntypes.MakeHashFromStr(h)
	if err != nil {
		return nil, fmt.Errorf("lnclient: BOLT12 decode: %w", err)
	}
	return &Invoice{PaymentRequest: fetched.Invoice, PaymentHash: hash}, nil
}
