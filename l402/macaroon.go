// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package l402

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/lntypes"
	"gopkg.in/macaroon.v2"
)

// Location is the location string baked into every token.
const Location = "LSAT"

var (
	// ErrInvalidToken is returned when a presented token fails verification.
	ErrInvalidToken = errors.New("l402: invalid token")

	// ErrCaveatMismatch is returned when a token's caveats differ from the
	// configured set.
	ErrCaveatMismatch = errors.New("l402: caveats don't match")
)

// NewMacaroon mints a token whose identifier is the payment hash.
func NewMacaroon(rootKey []byte, paymentHash lntypes.Hash, caveats []string) (*macaroon.Macaroon, error) {
	mac, err := macaroon.New(rootKey, paymentHash[:], Location, macaroon.V2)
	if err != nil {
		return nil, fmt.Errorf("l402: failed to create macaroon: %w", err)
	}
	for _, c := range caveats {
		if err := mac.AddFirstPartyCaveat([]byte(c)); err != nil {
			return nil, fmt.Errorf("l402: failed to add caveat %q: %w", c, err)
		}
	}
	return mac, nil
}

// EncodeMacaroon returns the base64 binary form used in headers.
func EncodeMacaroon(mac *macaroon.Macaroon) (string, error) {
	b, err := mac.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeMacaroon parses the base64 binary form, accepting both the standard
// and the URL alphabet.
func DecodeMacaroon(s string) (*macaroon.Macaroon, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if b, err = base64.URLEncoding.DecodeString(s); err != nil {
			return nil, fmt.Errorf("l402: macaroon is not base64: %w", err)
		}
	}
	mac := new(macaroon.Macaroon)
	if err := mac.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("l402: malformed macaroon: %w", err)
	}
	return mac, nil
}

// Verify checks the token signature under rootKey, requires its first party
// caveats to be exactly caveats, and requires the identifier to carry the
// hash of preimage.
func Verify(mac *macaroon.Macaroon, caveats []string, rootKey []byte, preimage lntypes.Preimage) error {
	want := make(map[string]bool, len(caveats))
	for _, c := range caveats {
		want[c] = true
	}
	seen := make(map[string]bool, len(caveats))
	err := mac.Verify(rootKey, func(c string) error {
		if !want[c] {
			return fmt.Errorf("%w: unexpected caveat %q", ErrCaveatMismatch, c)
		}
		seen[c] = true
		return nil
	}, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if len(seen) != len(want) {
		return fmt.Errorf("%w: %w: missing caveats", ErrInvalidToken, ErrCaveatMismatch)
	}

	hash := preimage.Hash()
	if !bytes.Contains(mac.Id(), hash[:]) {
		return fmt.Errorf("%w: preimage does not match payment hash", ErrInvalidToken)
	}
	return nil
}

// PaymentHash extracts the payment hash from a token minted by NewMacaroon.
func PaymentHash(mac *macaroon.Macaroon) (lntypes.Hash, error) {
	return lntypes.MakeHash(mac.Id())
}
