// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package gobn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/l402gate/lnc"
)

func TestPacketWire(t *testing.T) {
	require := require.New(t)

	require.Equal([]byte{0x01, 20}, (&Packet{Type: SYN, N: 20}).Bytes())
	require.Equal([]byte{0x06}, (&Packet{Type: SYNACK}).Bytes())
	require.Equal([]byte{0x04, 3}, (&Packet{Type: NACK, Seq: 3}).Bytes())
	require.Equal([]byte{0x02, 4, 0x01, 0x00, 0xaa}, (&Packet{Type: DATA, Seq: 4, Final: true, Payload: []byte{0xaa}}).Bytes())

	p, err := ParsePacket([]byte{0x02, 9, 0x00, 0x01})
	require.NoError(err)
	require.True(p.Ping)
	require.False(p.Final)
	require.Empty(p.Payload)
	require.Equal("DATA(seq=9 final=false ping=true len=0)", p.String())

	for _, b := range [][]byte{nil, {SYN}, {ACK}, {DATA, 1, 1}} {
		_, err := ParsePacket(b)
		require.Equal(lnc.KindFrame, lnc.KindOf(err), "% x", b)
	}
}

func TestMsgData(t *testing.T) {
	require := require.New(t)

	require.Equal([]byte{0, 0, 0, 0, 2, 'h', 'i'}, WrapMsg([]byte("hi")))

	msg, err := UnwrapMsg([]byte{7, 0, 0, 0, 2, 'h', 'i', 'x'})
	require.NoError(err)
	require.Equal([]byte("hi"), msg)

	_, err = UnwrapMsg([]byte{0, 0, 0})
	require.Error(err)
	_, err = UnwrapMsg([]byte{0, 0xff, 0xff, 0xff, 0xff, 1})
	require.Equal(lnc.KindFrame, lnc.KindOf(err))
}
