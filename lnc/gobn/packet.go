// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package gobn

import (
	"encoding/binary"
	"fmt"

	"github.com/katzenpost/l402gate/lnc"
)

// Packet type bytes.
const (
	SYN    byte = 0x01
	DATA   byte = 0x02
	ACK    byte = 0x03
	NACK   byte = 0x04
	FIN    byte = 0x05
	SYNACK byte = 0x06
)

const (
	boolFalse byte = 0x00
	boolTrue  byte = 0x01

	// DefaultN is the window size and sequence number modulus.
	DefaultN = 20

	msgDataVersion   = 0
	msgDataHeaderLen = 5
	dataHeaderLen    = 4

	// MaxMsgSize is the largest payload SendMsg accepts: one maximum
	// size transport frame (2 byte length and two tags around 65535 bytes).
	MaxMsgSize = 65535 + 2 + 16 + 16
)

// Packet is a decoded GoBN packet.
type Packet struct {
	Type    byte
	Seq     uint8
	N       uint8
	Final   bool
	Ping    bool
	Payload []byte
}

func encodeBool(b bool) byte {
	if b {
		return boolTrue
	}
	return boolFalse
}

// Bytes returns the wire encoding of the packet.
func (p *Packet) Bytes() []byte {
	switch p.Type {
	case SYN:
		return []byte{SYN, p.N}
	case SYNACK:
		return []byte{SYNACK}
	case FIN:
		return []byte{FIN}
	case ACK, NACK:
		return []byte{p.Type, p.Seq}
	case DATA:
		b := make([]byte, 0, dataHeaderLen+len(p.Payload))
		b = append(b, DATA, p.Seq, encodeBool(p.Final), encodeBool(p.Ping))
		return append(b, p.Payload...)
	default:
		return []byte{p.Type}
	}
}

func (p *Packet) String() string {
	switch p.Type {
	case SYN:
		return fmt.Sprintf("SYN(n=%d)", p.N)
	case SYNACK:
		return "SYNACK"
	case FIN:
		return "FIN"
	case ACK:
		return fmt.Sprintf("ACK(%d)", p.Seq)
	case NACK:
		return fmt.Sprintf("NACK(%d)", p.Seq)
	case DATA:
		return fmt.Sprintf("DATA(seq=%d final=%v ping=%v len=%d)", p.Seq, p.Final, p.Ping, len(p.Payload))
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", p.Type)
	}
}

// ParsePacket decodes a raw packet. Unknown types decode to a Packet
// carrying only the type byte.
func ParsePacket(b []byte) (*Packet, error) {
	const op = "lnc/gobn: parse"

	if len(b) == 0 {
		return nil, lnc.Errorf(lnc.KindFrame, op, "empty packet")
	}
	p := &Packet{Type: b[0]}
	switch p.Type {
	case SYN:
		if len(b) < 2 {
			return nil, lnc.Errorf(lnc.KindFrame, op, "short SYN")
		}
		p.N = b[1]
	case ACK, NACK:
		if len(b) < 2 {
			return nil, lnc.Errorf(lnc.KindFrame, op, "short ACK/NACK")
		}
		p.Seq = b[1]
	case DATA:
		if len(b) < dataHeaderLen {
			return nil, lnc.Errorf(lnc.KindFrame, op, "short DATA header: %d bytes", len(b))
		}
		p.Seq = b[1]
		p.Final = b[2] == boolTrue
		p.Ping = b[3] == boolTrue
		p.Payload = b[dataHeaderLen:]
	}
	return p, nil
}

// WrapMsg prefixes payload with the MsgData header.
func WrapMsg(payload []byte) []byte {
	b := make([]byte, msgDataHeaderLen, msgDataHeaderLen+len(payload))
	b[0] = msgDataVersion
	binary.BigEndian.PutUint32(b[1:], uint32(len(payload)))
	return append(b, payload...)
}

// UnwrapMsg strips the MsgData header. The version byte is not checked and
// trailing bytes beyond the declared length are ignored.
func UnwrapMsg(b []byte) ([]byte, error) {
	const op = "lnc/gobn: unwrap"

	if len(b) < msgDataHeaderLen {
		return nil, lnc.Errorf(lnc.KindFrame, op, "MsgData too short: %d bytes", len(b))
	}
	n := binary.BigEndian.Uint32(b[1:msgDataHeaderLen])
	if uint64(len(b)-msgDataHeaderLen) < uint64(n) {
		return nil, lnc.Errorf(lnc.KindFrame, op, "incomplete MsgData: have %d, need %d", len(b)-msgDataHeaderLen, n)
	}
	return b[msgDataHeaderLen : msgDataHeaderLen+int(n)], nil
}
