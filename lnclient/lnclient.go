// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package lnclient issues invoices on the configured Lightning backend.
package lnclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/lightningnetwork/lnd/lntypes"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/l402gate/config"
	"github.com/katzenpost/l402gate/internal/instrument"
	"github.com/katzenpost/l402gate/lnc/mailbox"
	"github.com/katzenpost/l402gate/lnc/pairing"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidAmount is returned for a non positive invoice amount.
var ErrInvalidAmount = errors.New("lnclient: invoice amount must be positive")

// Kind identifies a backend.
type Kind int

const (
	LND Kind = iota
	LNC
	CLN
	BOLT12
	Eclair
	LNURL
	NWC
)

var kindNames = map[Kind]string{
	LND:    config.BackendLND,
	LNC:    config.BackendLNC,
	CLN:    config.BackendCLN,
	BOLT12: config.BackendBOLT12,
	Eclair: config.BackendEclair,
	LNURL:  config.BackendLNURL,
	NWC:    config.BackendNWC,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("[unknown backend: %d]", int(k))
}

// ParseKind maps a configured backend type onto a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("lnclient: unknown backend type %q", s)
}

// Invoice is an invoice issued by a backend.
type Invoice struct {
	PaymentRequest string
	PaymentHash    lntypes.Hash
}

// Backend is the configured Lightning backend. Exactly one of the per kind
// clients is set.
type Backend struct {
	kind Kind
	log  *logging.Logger

	lnd    *lndClient
	lnc    *mailbox.Client
	cln    *clnClient
	bolt12 *bolt12Client
	eclair *eclairClient
	lnurl  *lnurlClient
	nwc    *nwcClient
}

// New builds the backend selected by cfg. No connection is made until the
// first invoice is requested, except for LND whose gRPC client is created
// up front.
func New(cfg *config.Backend, log *logging.Logger) (*Backend, error) {
	kind, err := ParseKind(cfg.Type)
	if err != nil {
		return nil, err
	}
	b := &Backend{kind: kind, log: log}

	switch kind {
	case LND:
		b.lnd, err = newLNDClient(cfg.LND)
	case LNC:
		var cred *pairing.Credential
		if cred, err = pairing.Derive(cfg.LNC.PairingPhrase); err == nil {
			b.lnc = mailbox.NewClient(cred, &mailbox.Config{Server: cfg.LNC.MailboxServer}, log)
		}
	case CLN:
		b.cln = newCLNClient(cfg.CLN.LightningDir)
	case BOLT12:
		b.bolt12 = newBolt12Client(cfg.Bolt12.LightningDir, cfg.Bolt12.Offer)
	case Eclair:
		b.eclair = newEclairClient(cfg.Eclair.APIURL, cfg.Eclair.Password)
	case LNURL:
		b.lnurl, err = newLNURLClient(cfg.LNURL.Address, cfg.LNURL.Network)
	case NWC:
		b.nwc, err = newNWCClient(cfg.NWC.URI, log)
	}
	if err != nil {
		return nil, fmt.Errorf("lnclient: %v backend: %w", kind, err)
	}
	log.Noticef("Using %v backend", kind)
	return b, nil
}

// Kind returns the backend kind.
func (b *Backend) Kind() Kind {
	return b.kind
}

// CreateInvoice issues an invoice for amountMsat millisatoshis.
func (b *Backend) CreateInvoice(ctx context.Context, amountMsat int64, memo string) (*Invoice, error) {
	if amountMsat <= 0 {
		return nil, ErrInvalidAmount
	}

	var (
		inv *Invoice
		err error
	)
	switch b.kind {
	case LND:
		inv, err = b.lnd.createInvoice(ctx, amountMsat, memo)
	case LNC:
		inv = &Invoice{}
		inv.PaymentRequest, inv.PaymentHash, err = b.lnc.CreateInvoice(ctx, amountMsat, memo)
	case CLN:
		inv, err = b.cln.createInvoice(ctx, amountMsat, memo)
	case BOLT12:
		inv, err = b.bolt12.createInvoice(ctx, amountMsat, memo)
	case Eclair:
		inv, err = b.eclair.createInvoice(ctx, amountMsat, memo)
	case LNURL:
		inv, err = b.lnurl.createInvoice(ctx, amountMsat)
	case NWC:
		inv, err = b.nwc.createInvoice(ctx, amountMsat, memo)
	default:
		err = fmt.Errorf("lnclient: unhandled backend %v", b.kind)
	}
	instrument.Invoice(b.kind.String(), err)
	if err != nil {
		b.log.Errorf("Failed to create invoice: %v", err)
		return nil, err
	}
	b.log.Debugf("Created invoice %v for %d msat", inv.PaymentHash, amountMsat)
	return inv, nil
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	switch b.kind {
	case LND:
		return b.lnd.close()
	case LNC:
		return b.lnc.Close()
	}
	return nil
}
