// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package noise

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// ProtocolName is the Noise protocol name hashed into the initial state.
	ProtocolName = "Noise_XXeke+SPAKE2_secp256k1_ChaChaPoly_SHA256"

	// Prologue is mixed into the handshake digest before the first act.
	Prologue = "lightning-node-connect"

	macSize = chacha20poly1305.Overhead
)

func nonceBytes(n uint64) []byte {
	var b [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(b[4:], n)
	return b[:]
}

func newAEAD(key [32]byte) cipher.AEAD {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		// Only fails on a bad key length.
		panic("noise: chacha20poly1305.New: " + err.Error())
	}
	return aead
}

func hkdf64(salt, ikm []byte) (a, b [32]byte) {
	r := hkdf.New(sha256.New, ikm, salt, nil)
	if _, err := io.ReadFull(r, a[:]); err != nil {
		panic("noise: hkdf: " + err.Error())
	}
	if _, err := io.ReadFull(r, b[:]); err != nil {
		panic("noise: hkdf: " + err.Error())
	}
	return
}

// symmetricState is the chaining key, handshake digest and handshake
// cipher shared by both roles.
type symmetricState struct {
	ck      [32]byte
	h       [32]byte
	tempKey [32]byte
	aead    cipher.AEAD
	nonce   uint64
}

func newSymmetricState() symmetricState {
	var s symmetricState
	s.ck = sha256.Sum256([]byte(ProtocolName))
	s.h = s.ck
	s.mixHash([]byte(Prologue))
	s.aead = newAEAD(s.tempKey)
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	h := sha256.New()
	h.Write(s.h[:])
	h.Write(data)
	copy(s.h[:], h.Sum(nil))
}

func (s *symmetricState) mixKey(ikm []byte) {
	s.ck, s.tempKey = hkdf64(s.ck[:], ikm)
	s.aead = newAEAD(s.tempKey)
	s.nonce = 0
}

func (s *symmetricState) encryptAndHash(plaintext []byte) []byte {
	ct := s.aead.Seal(nil, nonceBytes(s.nonce), plaintext, s.h[:])
	s.nonce++
	s.mixHash(ct)
	return ct
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	pt, err := s.aead.Open(nil, nonceBytes(s.nonce), ciphertext, s.h[:])
	if err != nil {
		return nil, err
	}
	s.nonce++
	s.mixHash(ciphertext)
	return pt, nil
}

// split derives the two transport keys. The first belongs to the
// initiator's sending direction.
func (s *symmetricState) split() (k1, k2 [32]byte) {
	return hkdf64(s.ck[:], nil)
}

// ecdh is SHA256 of the compressed shared point.
func ecdh(pub *btcec.PublicKey, priv *btcec.PrivateKey) [32]byte {
	var point, result btcec.JacobianPoint
	pub.AsJacobian(&point)
	btcec.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()
	shared := btcec.NewPublicKey(&result.X, &result.Y)
	return sha256.Sum256(shared.SerializeCompressed())
}
