// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package lnclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
)

const (
	httpTimeout = 30 * time.Second
	maxBodySize = 1 << 20
)

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
}

type eclairClient struct {
	http     *http.Client
	apiURL   string
	password string
}

func newEclairClient(apiURL, password string) *eclairClient {
	if !strings.HasPrefix(apiURL, "http://") && !strings.HasPrefix(apiURL, "https://") {
		apiURL = "http://" + apiURL
	}
	return &eclairClient{
		http:     newHTTPClient(),
		apiURL:   strings.TrimRight(apiURL, "/"),
		password: password,
	}
}

func (c *eclairClient) createInvoice(ctx context.Context, amountMsat int64, memo string) (*Invoice, error) {
	form := url.Values{}
	form.Set("amountMsat", strconv.FormatInt(amountMsat, 10))
	form.Set("description", memo)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/createinvoice", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// Eclair authenticates with the password alone.
	req.SetBasicAuth("", c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lnclient: Eclair createinvoice: %w", err)
	}
	defer resp.Body.Close()
	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("lnclient: Eclair createinvoice: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lnclient: Eclair createinvoice: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Serialized  string `json:"serialized"`
		PaymentHash string `json:"paymentHash"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("lnclient: Eclair createinvoice: %w", err)
	}
	hash, err := lntypes.MakeHashFromStr(out.PaymentHash)
	if err != nil {
		return nil, fmt.Errorf("lnclient: Eclair createinvoice: %w", err)
	}
	return &Invoice{PaymentRequest: out.Serialized, PaymentHash: hash}, nil
}
