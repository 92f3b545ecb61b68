// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package l402

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lightningnetwork/lnd/lntypes"
	"gopkg.in/macaroon.v2"
)

// Header names and schemes.
const (
	Scheme       = "L402"
	LegacyScheme = "LSAT"

	AcceptHeader        = "Accept-Authenticate"
	AuthenticateHeader  = "WWW-Authenticate"
	AuthorizationHeader = "Authorization"
)

// ErrNoToken is returned by ParseAuthorization for a header that carries no
// L402 credential.
var ErrNoToken = errors.New("l402: no token present")

// FormatChallenge renders the WWW-Authenticate value for a token and the
// invoice that pays for it.
func FormatChallenge(mac *macaroon.Macaroon, invoice string) (string, error) {
	enc, err := EncodeMacaroon(mac)
	if err != nil {
		return "", fmt.Errorf("l402: failed to encode macaroon: %w", err)
	}
	return fmt.Sprintf(`%s macaroon="%s", invoice="%s"`, Scheme, enc, invoice), nil
}

// ParseChallenge splits a WWW-Authenticate value into its macaroon and invoice.
func ParseChallenge(h string) (mac string, invoice string, err error) {
	scheme, params, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !isScheme(scheme) {
		return "", "", fmt.Errorf("l402: not a challenge: %q", h)
	}
	for _, p := range strings.Split(params, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"`)
		switch k {
		case "macaroon":
			mac = v
		case "invoice":
			invoice = v
		}
	}
	if mac == "" || invoice == "" {
		return "", "", fmt.Errorf("l402: incomplete challenge: %q", h)
	}
	return mac, invoice, nil
}

// ParseAuthorization parses `L402 <macaroon>:<preimage>`, also accepting the
// LSAT scheme.
func ParseAuthorization(h string) (*macaroon.Macaroon, lntypes.Preimage, error) {
	var preimage lntypes.Preimage

	h = strings.TrimSpace(h)
	if h == "" {
		return nil, preimage, ErrNoToken
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !isScheme(scheme) {
		return nil, preimage, ErrNoToken
	}
	macStr, preStr, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok || strings.Contains(preStr, ":") {
		return nil, preimage, fmt.Errorf("l402: token does not have the right format: %q", h)
	}
	macStr, preStr = strings.TrimSpace(macStr), strings.TrimSpace(preStr)
	if macStr == "" || preStr == "" {
		return nil, preimage, fmt.Errorf("l402: token does not have the right format: %q", h)
	}

	mac, err := DecodeMacaroon(macStr)
	if err != nil {
		return nil, preimage, err
	}
	pre, err := lntypes.MakePreimageFromStr(preStr)
	if err != nil {
		return nil, preimage, fmt.Errorf("l402: invalid preimage: %w", err)
	}
	return mac, pre, nil
}

// FormatAuthorization renders the Authorization value a paying client sends.
func FormatAuthorization(mac string, preimage lntypes.Preimage) string {
	return fmt.Sprintf("%s %s:%s", Scheme, mac, preimage)
}

// Accepts reports whether an Accept-Authenticate value asks for L402.
func Accepts(h string) bool {
	h = strings.ToUpper(h)
	return strings.Contains(h, Scheme) || strings.Contains(h, LegacyScheme)
}

func isScheme(s string) bool {
	return strings.EqualFold(s, Scheme) || strings.EqualFold(s, LegacyScheme)
}
