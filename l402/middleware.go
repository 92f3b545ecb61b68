// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package l402 implements the L402 paywall: macaroon tokens bound to
// Lightning payment hashes, the HTTP middleware that issues and checks them,
// and a ledger of issued challenges.
package l402

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/patrickmn/go-cache"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/l402gate/internal/instrument"
	"github.com/katzenpost/l402gate/lnclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Type is the outcome of L402 processing for one request.
type Type int

const (
	Free Type = iota
	PaymentRequired
	Paid
	Error
)

func (t Type) String() string {
	switch t {
	case Free:
		return "FREE"
	case PaymentRequired:
		return "PAYMENT REQUIRED"
	case Paid:
		return "PAID"
	case Error:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Response bodies.
const (
	FreeContentMessage      = "Free content"
	ProtectedContentMessage = "Protected content"
	PaymentRequiredMessage  = "Payment Required"
	InvalidTokenMessage     = "Invalid L402 token"
	InternalErrorMessage    = "Internal Server Error"
)

// Info is the L402 state attached to a request.
type Info struct {
	Type        Type
	Preimage    lntypes.Preimage
	PaymentHash lntypes.Hash
	Err         error

	// AuthHeader is the WWW-Authenticate challenge issued, if any.
	AuthHeader string
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying info.
func NewContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// FromContext returns the Info attached by the middleware.
func FromContext(ctx context.Context) (*Info, bool) {
	info, ok := ctx.Value(ctxKey{}).(*Info)
	return info, ok
}

// Invoicer issues invoices.
type Invoicer interface {
	CreateInvoice(ctx context.Context, amountMsat int64, memo string) (*lnclient.Invoice, error)
}

// Config parameterizes the middleware.
type Config struct {
	RootKey           []byte
	PriceMsat         int64
	Memo              string
	Caveats           []string
	ProtectedPrefixes []string
	TokenCacheTTL     time.Duration

	// Price overrides PriceMsat per request when set.
	Price func(*http.Request) int64
}

// Middleware gates handlers behind L402 payments.
type Middleware struct {
	cfg     *Config
	backend Invoicer
	ledger  *Ledger
	tokens  *cache.Cache
	log     *logging.Logger
}

// New creates the middleware. ledger may be nil.
func New(cfg *Config, backend Invoicer, ledger *Ledger, log *logging.Logger) *Middleware {
	m := &Middleware{
		cfg:     cfg,
		backend: backend,
		ledger:  ledger,
		log:     log,
	}
	if cfg.TokenCacheTTL > 0 {
		m.tokens = cache.New(cfg.TokenCacheTTL, 2*cfg.TokenCacheTTL)
	}
	return m
}

// Handler wraps next. Requests for a protected prefix only reach next once
// paid; other requests reach next with their Info in the context.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		protected := m.isProtected(r.URL.Path)
		info := m.authenticate(r)
		if info.Type == Free && (protected || Accepts(r.Header.Get(AcceptHeader))) {
			info = m.challenge(r)
		}
		instrument.L402(info.Type.String())

		switch {
		case info.Type == PaymentRequired:
			w.Header().Set(AuthenticateHeader, info.AuthHeader)
			WriteJSON(w, http.StatusPaymentRequired, PaymentRequiredMessage)
			return
		case info.Type == Error && protected:
			if errors.Is(info.Err, ErrInvalidToken) {
				WriteJSON(w, http.StatusUnauthorized, InvalidTokenMessage)
			} else {
				WriteJSON(w, http.StatusInternalServerError, InternalErrorMessage)
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), info)))
	})
}

func (m *Middleware) isProtected(path string) bool {
	for _, p := range m.cfg.ProtectedPrefixes {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

// authenticate checks a presented token. A missing or unparsable token
// yields Free.
func (m *Middleware) authenticate(r *http.Request) *Info {
	h := r.Header.Get(AuthorizationHeader)
	if h == "" {
		return &Info{Type: Free}
	}
	if m.tokens != nil {
		if v, ok := m.tokens.Get(h); ok {
			return v.(*Info)
		}
	}

	mac, preimage, err := ParseAuthorization(h)
	if err != nil {
		m.log.Debugf("Ignoring Authorization header: %v", err)
		return &Info{Type: Free}
	}
	if err = Verify(mac, m.cfg.Caveats, m.cfg.RootKey, preimage); err != nil {
		m.log.Warningf("Rejecting token: %v", err)
		return &Info{Type: Error, Err: err}
	}

	info := &Info{Type: Paid, Preimage: preimage, PaymentHash: preimage.Hash()}
	if m.tokens != nil {
		m.tokens.SetDefault(h, info)
	}
	if m.ledger != nil {
		switch marked, err := m.ledger.MarkPaid(info.PaymentHash, time.Now()); {
		case errors.Is(err, ErrNoSuchChallenge):
			m.log.Debugf("Paid token %v was not issued by this ledger", info.PaymentHash)
		case err != nil:
			m.log.Errorf("Failed to mark %v paid: %v", info.PaymentHash, err)
		case marked:
			m.log.Infof("Challenge %v redeemed", info.PaymentHash)
		}
	}
	return info
}

// challenge issues an invoice and a token bound to its payment hash.
func (m *Middleware) challenge(r *http.Request) *Info {
	amount := m.cfg.PriceMsat
	if m.cfg.Price != nil {
		amount = m.cfg.Price(r)
	}

	inv, err := m.backend.CreateInvoice(r.Context(), amount, m.cfg.Memo)
	if err != nil {
		m.log.Errorf("Failed to create invoice: %v", err)
		return &Info{Type: Error, Err: err}
	}
	mac, err := NewMacaroon(m.cfg.RootKey, inv.PaymentHash, m.cfg.Caveats)
	if err != nil {
		m.log.Errorf("Failed to mint token: %v", err)
		return &Info{Type: Error, Err: err}
	}
	h, err := FormatChallenge(mac, inv.PaymentRequest)
	if err != nil {
		m.log.Errorf("Failed to format challenge: %v", err)
		return &Info{Type: Error, Err: err}
	}

	if m.ledger != nil {
		c := &Challenge{
			PaymentHash:    inv.PaymentHash,
			PaymentRequest: inv.PaymentRequest,
			AmountMsat:     amount,
			Memo:           m.cfg.Memo,
			CreatedAt:      time.Now().Unix(),
		}
		if b, ok := m.backend.(interface{ Kind() lnclient.Kind }); ok {
			c.Backend = b.Kind().String()
		}
		if err := m.ledger.Record(c); err != nil {
			m.log.Errorf("Failed to record challenge %v: %v", inv.PaymentHash, err)
		}
	}
	m.log.Debugf("Issued challenge %v for %d msat", inv.PaymentHash, amount)
	return &Info{Type: PaymentRequired, PaymentHash: inv.PaymentHash, AuthHeader: h}
}

// Response is the JSON body served by the gateway.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes a Response with the given status.
func WriteJSON(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(&Response{Code: code, Message: msg})
}
