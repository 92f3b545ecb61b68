// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package lnclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
)

var networks = map[string]*chaincfg.Params{
	"mainnet": &chaincfg.MainNetParams,
	"testnet": &chaincfg.TestNet3Params,
	"regtest": &chaincfg.RegressionNetParams,
	"signet":  &chaincfg.SigNetParams,
	"simnet":  &chaincfg.SimNetParams,
}

// ParseLightningAddress splits a user@domain lightning address.
func ParseLightningAddress(addr string) (user, domain string, err error) {
	parts := strings.Split(strings.TrimSpace(addr), "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("lnclient: invalid lightning address %q", addr)
	}
	return parts[0], parts[1], nil
}

type lnurlClient struct {
	http   *http.Client
	scheme string
	user   string
	domain string
	net    *chaincfg.Params
}

func newLNURLClient(addr, network string) (*lnurlClient, error) {
	user, domain, err := ParseLightningAddress(addr)
	if err != nil {
		return nil, err
	}
	params, ok := networks[network]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", network)
	}
	return &lnurlClient{
		http:   newHTTPClient(),
		scheme: "https",
		user:   user,
		domain: domain,
		net:    params,
	}, nil
}

func (c *lnurlClient) get(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := readBody(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}

	var status struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return err
	}
	if strings.EqualFold(status.Status, "ERROR") {
		return errors.New(status.Reason)
	}
	return json.Unmarshal(body, out)
}

func (c *lnurlClient) createInvoice(ctx context.Context, amountMsat int64) (*Invoice, error) {
	const op = "lnclient: LNURL"

	var pay struct {
		Callback    string `json:"callback"`
		MinSendable int64  `json:"minSendable"`
		MaxSendable int64  `json:"maxSendable"`
		Tag         string `json:"tag"`
	}
	payURL := fmt.Sprintf("%s://%s/.well-known/lnurlp/%s", c.scheme, c.domain, url.PathEscape(c.user))
	if err := c.get(ctx, payURL, &pay); err != nil {
		return nil, fmt.Errorf("%s: pay request: %w", op, err)
	}
	if pay.Tag != "payRequest" || pay.Callback == "" {
		return nil, fmt.Errorf("%s: %s is not a pay request", op, payURL)
	}
	if (pay.MinSendable > 0 && amountMsat < pay.MinSendable) || (pay.MaxSendable > 0 && amountMsat > pay.MaxSendable) {
		return nil, fmt.Errorf("%s: amount %d msat outside [%d, %d]", op, amountMsat, pay.MinSendable, pay.MaxSendable)
	}

	cb, err := url.Parse(pay.Callback)
	if err != nil {
		return nil, fmt.Errorf("%s: callback: %w", op, err)
	}
	q := cb.Query()
	q.Set("amount", strconv.FormatInt(amountMsat, 10))
	cb.RawQuery = q.Encode()

	var res struct {
		PR string `json:"pr"`
	}
	if err := c.get(ctx, cb.String(), &res); err != nil {
		return nil, fmt.Errorf("%s: callback: %w", op, err)
	}

	inv, err := zpay32.Decode(res.PR, c.net)
	if err != nil {
		return nil, fmt.Errorf("%s: invoice: %w", op, err)
	}
	if inv.PaymentHash == nil {
		return nil, fmt.Errorf("%s: invoice has no payment hash", op)
	}
	if inv.MilliSat == nil || int64(*inv.MilliSat) != amountMsat {
		return nil, fmt.Errorf("%s: invoice amount does not match %d msat", op, amountMsat)
	}
	return &Invoice{PaymentRequest: res.PR, PaymentHash: lntypes.Hash(*inv.PaymentHash)}, nil
}
