// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package noise

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"github.com/katzenpost/l402gate/lnc"
)

const (
	// MaxPayloadSize is the largest plaintext carried by one frame.
	MaxPayloadSize = math.MaxUint16

	lengthHeaderSize = 2

	// HeaderSize is the size of the encrypted length header.
	HeaderSize = lengthHeaderSize + macSize

	// FrameOverhead is the ciphertext expansion of one frame.
	FrameOverhead = HeaderSize + macSize
)

// ErrIncompleteFrame is returned by Decrypt when the buffer does not yet
// hold a whole frame. Nothing is consumed and the caller retries once more
// bytes have arrived.
var ErrIncompleteFrame = errors.New("lnc/noise: incomplete frame")

type cipherState struct {
	aead  cipher.AEAD
	nonce uint64
}

// Machine is the post handshake transport cipher. Each frame is an
// encrypted big endian length header followed by the encrypted body, each
// using its own nonce.
type Machine struct {
	txMu sync.Mutex
	tx   cipherState

	rxMu sync.Mutex
	rx   cipherState
}

// NewMachine returns a Machine with the given directional keys.
func NewMachine(sendKey, recvKey [32]byte) *Machine {
	return &Machine{
		tx: cipherState{aead: newAEAD(sendKey)},
		rx: cipherState{aead: newAEAD(recvKey)},
	}
}

// Encrypt seals p into one frame.
func (m *Machine) Encrypt(p []byte) ([]byte, error) {
	const op = "lnc/noise: encrypt"

	if len(p) > MaxPayloadSize {
		return nil, lnc.Errorf(lnc.KindFrame, op, "payload of %d bytes", len(p))
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	if m.tx.nonce > math.MaxUint64-2 {
		return nil, lnc.Errorf(lnc.KindNonceExhaustion, op, "send nonce %d", m.tx.nonce)
	}

	var l [lengthHeaderSize]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(p)))

	out := make([]byte, 0, FrameOverhead+len(p))
	out = m.tx.aead.Seal(out, nonceBytes(m.tx.nonce), l[:], nil)
	out = m.tx.aead.Seal(out, nonceBytes(m.tx.nonce+1), p, nil)
	m.tx.nonce += 2
	return out, nil
}

// Decrypt opens the frame at the start of buf and returns its plaintext and
// the number of bytes consumed.
func (m *Machine) Decrypt(buf []byte) ([]byte, int, error) {
	const op = "lnc/noise: decrypt"

	if len(buf) < HeaderSize {
		return nil, 0, ErrIncompleteFrame
	}

	m.rxMu.Lock()
	defer m.rxMu.Unlock()

	if m.rx.nonce > math.MaxUint64-2 {
		return nil, 0, lnc.Errorf(lnc.KindNonceExhaustion, op, "receive nonce %d", m.rx.nonce)
	}

	l, err := m.rx.aead.Open(nil, nonceBytes(m.rx.nonce), buf[:HeaderSize], nil)
	if err != nil {
		return nil, 0, lnc.Errorf(lnc.KindFrame, op, "length header: %v", err)
	}
	n := int(binary.BigEndian.Uint16(l))

	end := HeaderSize + n + macSize
	if len(buf) < end {
		// The header is opened again on the next attempt.
		return nil, 0, ErrIncompleteFrame
	}

	p, err := m.rx.aead.Open(nil, nonceBytes(m.rx.nonce+1), buf[HeaderSize:end], nil)
	if err != nil {
		return nil, 0, lnc.Errorf(lnc.KindFrame, op, "body: %v", err)
	}
	if len(p) != n {
		return nil, 0, lnc.Errorf(lnc.KindFrame, op, "header announced %d bytes, body has %d", n, len(p))
	}
	m.rx.nonce += 2
	return p, end, nil
}
