// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package lnclient

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"golang.org/x/net/proxy"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/katzenpost/l402gate/config"
)

// macaroonCredential attaches the hex encoded macaroon to every call.
type macaroonCredential string

func (m macaroonCredential) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"macaroon": string(m)}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

type lndClient struct {
	conn *grpc.ClientConn
	ln   lnrpc.LightningClient
}

func socks5Dialer(addr string) (func(context.Context, string) (net.Conn, error), error) {
	d, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support contexts")
	}
	return func(ctx context.Context, target string) (net.Conn, error) {
		return cd.DialContext(ctx, "tcp", target)
	}, nil
}

func newLNDClient(cfg *config.LND) (*lndClient, error) {
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return nil, fmt.Errorf("address %q is not host:port: %w", cfg.Address, err)
	}
	creds, err := credentials.NewClientTLSFromFile(cfg.CertFile, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	mac, err := os.ReadFile(cfg.MacaroonFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon: %w", err)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macaroonCredential(hex.EncodeToString(mac))),
	}
	if cfg.SOCKS5Proxy != "" {
		dial, err := socks5Dialer(cfg.SOCKS5Proxy)
		if err != nil {
			return nil, fmt.Errorf("SOCKS5 proxy %v: %w", cfg.SOCKS5Proxy, err)
		}
		opts = append(opts, grpc.WithContextDialer(dial))
	}

	// passthrough keeps onion addresses away from the local resolver.
	conn, err := grpc.NewClient("passthrough:///"+cfg.Address, opts...)
	if err != nil {
		return nil, err
	}
	return &lndClient{conn: conn, ln: lnrpc.NewLightningClient(conn)}, nil
}

func (c *lndClient) createInvoice(ctx context.Context, amountMsat int64, memo string) (*Invoice, error) {
	resp, err := c.ln.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:      memo,
		ValueMsat: amountMsat,
	})
	if err != nil {
		return nil, fmt.Errorf("lnclient: LND AddInvoice: %w", err)
	}
	hash, err := lntypes.MakeHash(resp.RHash)
	if err != nil {
		return nil, fmt.Errorf("lnclient: LND AddInvoice: %w", err)
	}
	return &Invoice{PaymentRequest: resp.PaymentRequest, PaymentHash: hash}, nil
}

func (c *lndClient) close() error {
	return c.conn.Close()
}
