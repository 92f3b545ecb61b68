// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package noise implements the Noise_XXeke+SPAKE2 handshake used by
// Lightning Node Connect and the encrypted transport it keys.
package noise

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/katzenpost/l402gate/lnc"
)

// Handshake versions. Version 0 carries a fixed size Act 2 payload, later
// versions length prefix it and add empty encrypted payloads to Acts 1 and 3.
const (
	Version0 byte = 0
	Version1 byte = 1
	Version2 byte = 2

	// DefaultVersion is the version sent in Act 1.
	DefaultVersion = Version2

	pubKeySize       = 33
	encPubKeySize    = pubKeySize + macSize
	v0PayloadSize    = 500
	lenBlockSize     = 4
	encLenBlockSize  = lenBlockSize + macSize
	maxAuthDataSize  = 65535
	act1MinSize      = 1 + pubKeySize
	act2MinSize      = 1 + pubKeySize + encPubKeySize
	act3MinSize      = 1 + encPubKeySize
	handshakeOpRoot  = "lnc/noise: handshake"
	initiatorLabel   = "initiator"
	responderLabel   = "responder"
	stateErrTemplate = "%s at state %s"
)

// State is the step a Handshake is at.
type State string

const (
	StateInit      State = "initialization"
	StateAct1Sent  State = "act_1_sent"
	StateAct1Recv  State = "act_1_received"
	StateAct2Sent  State = "act_2_sent"
	StateAct2Recv  State = "act_2_received"
	StateComplete  State = "complete"
	StateSplit     State = "split"
	StateAbandoned State = "abandoned"
)

// Handshake is one side of the XXeke+SPAKE2 handshake.
//
// The initiator calls WriteAct1, ReadAct2, WriteAct3 and Split. The
// responder calls ReadAct1, WriteAct2, ReadAct3 and Split.
type Handshake struct {
	sym       symmetricState
	initiator bool
	state     State
	version   byte

	secret       [32]byte
	localStatic  *btcec.PrivateKey
	localEph     *btcec.PrivateKey
	remoteEph    *btcec.PublicKey
	remoteStatic *btcec.PublicKey

	authData []byte

	genKey func() (*btcec.PrivateKey, error)
}

func newHandshake(initiator bool, localStatic *btcec.PrivateKey, secret [32]byte) *Handshake {
	return &Handshake{
		sym:         newSymmetricState(),
		initiator:   initiator,
		state:       StateInit,
		version:     DefaultVersion,
		secret:      secret,
		localStatic: localStatic,
		genKey:      btcec.NewPrivateKey,
	}
}

// NewInitiator returns the client side of the handshake. secret is the
// stretched pairing secret.
func NewInitiator(localStatic *btcec.PrivateKey, secret [32]byte) *Handshake {
	return newHandshake(true, localStatic, secret)
}

// NewResponder returns the node side of the handshake, which sends
// authData to the initiator in Act 2.
func NewResponder(localStatic *btcec.PrivateKey, secret [32]byte, authData []byte) *Handshake {
	h := newHandshake(false, localStatic, secret)
	h.authData = append([]byte(nil), authData...)
	return h
}

// Clone returns an independent copy of the handshake, so that a
// precomputed Act 1 can be reused on every connection attempt.
func (h *Handshake) Clone() *Handshake {
	c := *h
	c.authData = append([]byte(nil), h.authData...)
	return &c
}

// State returns the current step.
func (h *Handshake) State() State {
	return h.state
}

// Version returns the negotiated handshake version.
func (h *Handshake) Version() byte {
	return h.version
}

// AuthData returns the Act 2 payload.
func (h *Handshake) AuthData() []byte {
	return h.authData
}

// RemoteStatic returns the peer's static key once it is known.
func (h *Handshake) RemoteStatic() *btcec.PublicKey {
	return h.remoteStatic
}

func (h *Handshake) role() string {
	if h.initiator {
		return initiatorLabel
	}
	return responderLabel
}

func (h *Handshake) expect(op string, initiator bool, s State) error {
	if h.initiator != initiator || h.state != s {
		return lnc.Errorf(lnc.KindInput, handshakeOpRoot, stateErrTemplate, op, h.state)
	}
	return nil
}

func (h *Handshake) fail(kind lnc.Kind, format string, a ...interface{}) error {
	h.state = StateAbandoned
	return lnc.Errorf(kind, handshakeOpRoot, "%s: %s", h.role(), fmt.Sprintf(format, a...))
}

// WriteAct1 generates the ephemeral key and returns the masked Act 1.
func (h *Handshake) WriteAct1() ([]byte, error) {
	if err := h.expect("WriteAct1", true, StateInit); err != nil {
		return nil, err
	}

	eph, err := h.genKey()
	if err != nil {
		return nil, h.fail(lnc.KindUnknown, "ephemeral key: %v", err)
	}
	h.localEph = eph
	h.sym.mixHash(eph.PubKey().SerializeCompressed())

	me, err := spake2Mask(eph.PubKey(), h.secret)
	if err != nil {
		return nil, h.fail(lnc.KindInput, "%v", err)
	}

	msg := make([]byte, 0, act1MinSize+macSize)
	msg = append(msg, h.version)
	msg = append(msg, me.SerializeCompressed()...)
	if h.version >= Version1 {
		msg = append(msg, h.sym.encryptAndHash(nil)...)
	}
	h.state = StateAct1Sent
	return msg, nil
}

// ReadAct1 unmasks the initiator's ephemeral key.
func (h *Handshake) ReadAct1(msg []byte) error {
	if err := h.expect("ReadAct1", false, StateInit); err != nil {
		return err
	}
	if len(msg) < act1MinSize {
		return h.fail(lnc.KindFrame, "act 1 of %d bytes", len(msg))
	}
	if msg[0] > Version2 {
		return h.fail(lnc.KindHandshakeAuth, "unsupported version %d", msg[0])
	}
	h.version = msg[0]

	me, err := btcec.ParsePubKey(msg[1:act1MinSize])
	if err != nil {
		return h.fail(lnc.KindHandshakeAuth, "masked ephemeral: %v", err)
	}
	e, err := spake2Unmask(me, h.secret)
	if err != nil {
		return h.fail(lnc.KindHandshakeAuth, "%v", err)
	}
	h.remoteEph = e
	h.sym.mixHash(e.SerializeCompressed())

	if h.version >= Version1 {
		if len(msg) < act1MinSize+macSize {
			return h.fail(lnc.KindFrame, "act 1 of %d bytes lacks payload", len(msg))
		}
		if _, err := h.sym.decryptAndHash(msg[act1MinSize : act1MinSize+macSize]); err != nil {
			return h.fail(lnc.KindHandshakeAuth, "act 1 payload: %v", err)
		}
	}
	h.state = StateAct1Recv
	return nil
}

// WriteAct2 returns the responder's ephemeral, encrypted static and the
// auth data payload.
func (h *Handshake) WriteAct2() ([]byte, error) {
	if err := h.expect("WriteAct2", false, StateAct1Recv); err != nil {
		return nil, err
	}
	if len(h.authData) > maxAuthDataSize {
		return nil, h.fail(lnc.KindInput, "auth data of %d bytes", len(h.authData))
	}

	eph, err := h.genKey()
	if err != nil {
		return nil, h.fail(lnc.KindUnknown, "ephemeral key: %v", err)
	}
	h.localEph = eph

	msg := []byte{h.version}
	ephPub := eph.PubKey().SerializeCompressed()
	msg = append(msg, ephPub...)
	h.sym.mixHash(ephPub)

	ee := ecdh(h.remoteEph, eph)
	h.sym.mixKey(ee[:])

	msg = append(msg, h.sym.encryptAndHash(h.localStatic.PubKey().SerializeCompressed())...)

	es := ecdh(h.remoteEph, h.localStatic)
	h.sym.mixKey(es[:])

	if h.version == Version0 {
		if len(h.authData) > v0PayloadSize {
			return nil, h.fail(lnc.KindInput, "auth data of %d bytes exceeds version 0 payload", len(h.authData))
		}
		payload := make([]byte, v0PayloadSize)
		copy(payload, h.authData)
		msg = append(msg, h.sym.encryptAndHash(payload)...)
	} else {
		var l [lenBlockSize]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(h.authData)))
		msg = append(msg, h.sym.encryptAndHash(l[:])...)
		msg = append(msg, h.sym.encryptAndHash(h.authData)...)
	}
	h.state = StateAct2Sent
	return msg, nil
}

// ReadAct2 processes the responder's reply and extracts its auth data.
func (h *Handshake) ReadAct2(msg []byte) error {
	if err := h.expect("ReadAct2", true, StateAct1Sent); err != nil {
		return err
	}
	if len(msg) == 0 {
		return h.fail(lnc.KindFrame, "empty act 2")
	}
	if msg[0] > Version2 {
		return h.fail(lnc.KindHandshakeAuth, "unsupported version %d", msg[0])
	}
	if len(msg) < act2MinSize {
		return h.fail(lnc.KindFrame, "act 2 of %d bytes", len(msg))
	}
	h.version = msg[0]

	off := 1
	re, err := btcec.ParsePubKey(msg[off : off+pubKeySize])
	if err != nil {
		return h.fail(lnc.KindHandshakeAuth, "remote ephemeral: %v", err)
	}
	h.remoteEph = re
	h.sym.mixHash(msg[off : off+pubKeySize])
	off += pubKeySize

	ee := ecdh(re, h.localEph)
	h.sym.mixKey(ee[:])

	rs, err := h.sym.decryptAndHash(msg[off : off+encPubKeySize])
	if err != nil {
		return h.fail(lnc.KindHandshakeAuth, "remote static: %v", err)
	}
	if h.remoteStatic, err = btcec.ParsePubKey(rs); err != nil {
		return h.fail(lnc.KindHandshakeAuth, "remote static: %v", err)
	}
	off += encPubKeySize

	es := ecdh(h.remoteStatic, h.localEph)
	h.sym.mixKey(es[:])

	rest := msg[off:]
	if h.version == Version0 {
		if len(rest) >= v0PayloadSize+macSize {
			pt, err := h.sym.decryptAndHash(rest[:v0PayloadSize+macSize])
			if err != nil {
				return h.fail(lnc.KindHandshakeAuth, "payload: %v", err)
			}
			h.authData = trimPadding(pt)
		}
	} else if len(rest) >= encLenBlockSize {
		l, err := h.sym.decryptAndHash(rest[:encLenBlockSize])
		if err != nil {
			return h.fail(lnc.KindHandshakeAuth, "payload length: %v", err)
		}
		n := int(binary.BigEndian.Uint32(l))
		rest = rest[encLenBlockSize:]
		if n <= maxAuthDataSize && len(rest) >= n+macSize {
			pt, err := h.sym.decryptAndHash(rest[:n+macSize])
			if err != nil {
				return h.fail(lnc.KindHandshakeAuth, "payload: %v", err)
			}
			h.authData = pt
		}
	}
	h.state = StateAct2Recv
	return nil
}

// trimPadding strips the zero padding of a version 0 payload.
func trimPadding(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// WriteAct3 returns the initiator's encrypted static key and completes
// the handshake.
func (h *Handshake) WriteAct3() ([]byte, error) {
	if err := h.expect("WriteAct3", true, StateAct2Recv); err != nil {
		return nil, err
	}

	msg := []byte{h.version}
	msg = append(msg, h.sym.encryptAndHash(h.localStatic.PubKey().SerializeCompressed())...)

	se := ecdh(h.remoteEph, h.localStatic)
	h.sym.mixKey(se[:])

	if h.version >= Version1 {
		msg = append(msg, h.sym.encryptAndHash(nil)...)
	}
	h.state = StateComplete
	return msg, nil
}

// ReadAct3 learns the initiator's static key and completes the handshake.
func (h *Handshake) ReadAct3(msg []byte) error {
	if err := h.expect("ReadAct3", false, StateAct2Sent); err != nil {
		return err
	}
	if len(msg) < act3MinSize {
		return h.fail(lnc.KindFrame, "act 3 of %d bytes", len(msg))
	}
	if msg[0] != h.version {
		return h.fail(lnc.KindHandshakeAuth, "version changed to %d", msg[0])
	}

	is, err := h.sym.decryptAndHash(msg[1:act3MinSize])
	if err != nil {
		return h.fail(lnc.KindHandshakeAuth, "remote static: %v", err)
	}
	if h.remoteStatic, err = btcec.ParsePubKey(is); err != nil {
		return h.fail(lnc.KindHandshakeAuth, "remote static: %v", err)
	}

	se := ecdh(h.remoteStatic, h.localEph)
	h.sym.mixKey(se[:])

	if h.version >= Version1 {
		if len(msg) < act3MinSize+macSize {
			return h.fail(lnc.KindFrame, "act 3 of %d bytes lacks payload", len(msg))
		}
		if _, err := h.sym.decryptAndHash(msg[act3MinSize : act3MinSize+macSize]); err != nil {
			return h.fail(lnc.KindHandshakeAuth, "act 3 payload: %v", err)
		}
	}
	h.state = StateComplete
	return nil
}

// Split consumes the completed handshake and returns the transport
// Machine keyed for this side.
func (h *Handshake) Split() (*Machine, error) {
	if h.state != StateComplete {
		return nil, lnc.Errorf(lnc.KindInput, handshakeOpRoot, stateErrTemplate, "Split", h.state)
	}
	h.state = StateSplit

	k1, k2 := h.sym.split()
	h.sym = symmetricState{}
	if h.initiator {
		return NewMachine(k1, k2), nil
	}
	return NewMachine(k2, k1), nil
}
