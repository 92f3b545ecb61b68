// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package noise

import (
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// spake2NHex is the compressed encoding of the SPAKE2 generator N, a point
// with no known discrete log relative to G.
const spake2NHex = "0254a58cd0f31c008fd0bc9b2dd5ba586144933829f6da33ac4130b555fb5ea32c"

var (
	errScalarOverflow = errors.New("noise: password scalar overflows the group order")
	errInfinity       = errors.New("noise: masked point at infinity")

	spake2N = func() *secp256k1.PublicKey {
		b, err := hex.DecodeString(spake2NHex)
		if err != nil {
			panic(err)
		}
		pk, err := secp256k1.ParsePubKey(b)
		if err != nil {
			panic(err)
		}
		return pk
	}()
)

func passwordScalar(secret [32]byte) (*secp256k1.ModNScalar, error) {
	var w secp256k1.ModNScalar
	if overflow := w.SetBytes(&secret); overflow != 0 {
		return nil, errScalarOverflow
	}
	return &w, nil
}

// addNw returns p + N*w.
func addNw(p *secp256k1.PublicKey, w *secp256k1.ModNScalar) (*secp256k1.PublicKey, error) {
	var n, nw, pj, sum secp256k1.JacobianPoint
	spake2N.AsJacobian(&n)
	p.AsJacobian(&pj)

	secp256k1.ScalarMultNonConst(w, &n, &nw)
	secp256k1.AddNonConst(&pj, &nw, &sum)
	if (sum.X.IsZero() && sum.Y.IsZero()) || sum.Z.IsZero() {
		return nil, errInfinity
	}
	sum.ToAffine()
	return secp256k1.NewPublicKey(&sum.X, &sum.Y), nil
}

// spake2Mask computes me = e + N*w for the stretched secret w.
func spake2Mask(e *secp256k1.PublicKey, secret [32]byte) (*secp256k1.PublicKey, error) {
	w, err := passwordScalar(secret)
	if err != nil {
		return nil, err
	}
	return addNw(e, w)
}

// spake2Unmask recovers e = me - N*w.
func spake2Unmask(me *secp256k1.PublicKey, secret [32]byte) (*secp256k1.PublicKey, error) {
	w, err := passwordScalar(secret)
	if err != nil {
		return nil, err
	}
	w.Negate()
	return addNw(me, w)
}
