// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package pairing

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/l402gate/lnc"
)

const (
	testPhrase    = "abandon ability able about above absent absorb abstract absurd abuse"
	testEntropy   = "0000040100300801403007010024"
	testStreamID  = "02d010d9df11f2791f90f2f2911ae1c65c7d7b80433b1fb09f732b587bad6dd44be1c9ed6cc442bbfaaa4831544ab50921cd8d057fa8226af985615275c84a9d"
	testStretched = "1c69a1967edff953babf2a04e919c841d74e942cc2f4c754de831a787196e5b2"
)

func TestDeriveMnemonic(t *testing.T) {
	require := require.New(t)

	c, err := Derive(testPhrase)
	require.NoError(err)
	require.Equal(testEntropy, hex.EncodeToString(c.Entropy))
	require.Equal(testStreamID, hex.EncodeToString(c.StreamID[:]))
	require.Equal(testPhrase, c.Mnemonic)
	require.NotNil(c.LocalStatic)

	again, err := Derive(testPhrase)
	require.NoError(err)
	require.Equal(c.Entropy, again.Entropy)
	require.Equal(c.StreamID, again.StreamID)
	require.NotEqual(c.LocalStatic.Serialize(), again.LocalStatic.Serialize())
}

func TestDeriveCaseAndSpacing(t *testing.T) {
	require := require.New(t)

	c, err := Derive("  ABANDON Ability able   about above absent absorb abstract absurd abuse\n")
	require.NoError(err)
	require.Equal(testEntropy, hex.EncodeToString(c.Entropy))
}

func TestDeriveHex(t *testing.T) {
	require := require.New(t)

	c, err := Derive(testEntropy)
	require.NoError(err)
	require.Empty(c.Mnemonic)
	require.Equal(testStreamID, hex.EncodeToString(c.StreamID[:]))

	_, err = Derive("abc")
	require.Error(err)
	require.True(errors.Is(err, ErrInvalidHex))
	require.Equal(lnc.KindInput, lnc.KindOf(err))
}

func TestDeriveErrors(t *testing.T) {
	require := require.New(t)

	_, err := Derive("one two three")
	require.Error(err)
	require.True(errors.Is(err, ErrWordCount))
	require.Equal(lnc.KindInput, lnc.KindOf(err))
	require.False(lnc.IsRetryable(err))

	_, err = Derive("abandon ability able about above absent absorb abstract absurd zzzzz")
	require.Error(err)
	require.True(errors.Is(err, ErrUnknownWord))
	require.Equal(lnc.KindInput, lnc.KindOf(err))

	// Too long to be hex entropy, so it is parsed as a (one word) phrase.
	_, err = Derive(strings.Repeat("ab", 33))
	require.True(errors.Is(err, ErrWordCount))
}

func TestStreamIdentifiers(t *testing.T) {
	require := require.New(t)

	c, err := Derive(testPhrase)
	require.NoError(err)

	recv := c.ReceiveSID()
	send := c.SendSID()
	require.Equal(c.StreamID, recv)
	require.Equal(recv[:StreamIDSize-1], send[:StreamIDSize-1])
	require.Equal(byte(0x01), recv[StreamIDSize-1]^send[StreamIDSize-1])
}

func TestMnemonicRoundTrip(t *testing.T) {
	require := require.New(t)

	raw, err := hex.DecodeString(testEntropy)
	require.NoError(err)
	var ent [EntropySize]byte
	copy(ent[:], raw)

	words := EntropyToMnemonic(ent)
	require.Equal(testPhrase, strings.Join(words[:], " "))

	back, err := MnemonicToEntropy(words[:])
	require.NoError(err)
	require.Equal(ent, back)
}

func TestMailboxServerEnv(t *testing.T) {
	require := require.New(t)

	t.Setenv(MailboxServerEnv, "")
	c, err := Derive(testPhrase)
	require.NoError(err)
	require.Equal(DefaultMailboxServer, c.MailboxServer)

	t.Setenv(MailboxServerEnv, "mailbox.example.com:443")
	c, err = Derive(testPhrase)
	require.NoError(err)
	require.Equal("mailbox.example.com:443", c.MailboxServer)
}

func TestStretched(t *testing.T) {
	if testing.Short() {
		t.Skip("scrypt with N=65536 is slow")
	}
	require := require.New(t)

	c, err := Derive(testPhrase)
	require.NoError(err)

	s, err := c.Stretched()
	require.NoError(err)
	require.Equal(testStretched, hex.EncodeToString(s[:]))

	s2, err := c.Stretched()
	require.NoError(err)
	require.Equal(s, s2)
}
