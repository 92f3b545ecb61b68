// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package l402

import (
	"strings"
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

var testRootKey = []byte("0123456789abcdef0123456789abcdef")

func testPreimage(t *testing.T) lntypes.Preimage {
	var p lntypes.Preimage
	_, err := rand.Reader.Read(p[:])
	require.NoError(t, err)
	return p
}

func TestMacaroon(t *testing.T) {
	require := require.New(t)

	pre := testPreimage(t)
	caveats := []string{"service=weather", "tier=basic"}
	mac, err := NewMacaroon(testRootKey, pre.Hash(), caveats)
	require.NoError(err)
	require.Equal(Location, mac.Location())

	enc, err := EncodeMacaroon(mac)
	require.NoError(err)
	dec, err := DecodeMacaroon(enc)
	require.NoError(err)
	require.NoError(Verify(dec, caveats, testRootKey, pre))

	hash, err := PaymentHash(dec)
	require.NoError(err)
	require.Equal(pre.Hash(), hash)

	// Caveat order does not matter, the set does.
	require.NoError(Verify(dec, []string{"tier=basic", "service=weather"}, testRootKey, pre))

	err = Verify(dec, caveats, []byte("another root key of 32 bytes...."), pre)
	require.ErrorIs(err, ErrInvalidToken)

	err = Verify(dec, caveats, testRootKey, testPreimage(t))
	require.ErrorIs(err, ErrInvalidToken)

	err = Verify(dec, caveats[:1], testRootKey, pre)
	require.ErrorIs(err, ErrInvalidToken)

	err = Verify(dec, append(caveats, "extra=1"), testRootKey, pre)
	require.ErrorIs(err, ErrCaveatMismatch)

	_, err = DecodeMacaroon("!!!")
	require.Error(err)
	_, err = DecodeMacaroon("AAAA")
	require.Error(err)
}

func TestChallenge(t *testing.T) {
	require := require.New(t)

	pre := testPreimage(t)
	mac, err := NewMacaroon(testRootKey, pre.Hash(), nil)
	require.NoError(err)

	h, err := FormatChallenge(mac, "lnbcrt10n1ptest")
	require.NoError(err)
	require.True(strings.HasPrefix(h, `L402 macaroon="`))

	macStr, invoice, err := ParseChallenge(h)
	require.NoError(err)
	require.Equal("lnbcrt10n1ptest", invoice)
	enc, err := EncodeMacaroon(mac)
	require.NoError(err)
	require.Equal(enc, macStr)

	_, _, err = ParseChallenge(`Bearer realm="x"`)
	require.Error(err)
	_, _, err = ParseChallenge(`L402 macaroon="abc"`)
	require.Error(err)
}

func TestParseAuthorization(t *testing.T) {
	require := require.New(t)

	pre := testPreimage(t)
	mac, err := NewMacaroon(testRootKey, pre.Hash(), nil)
	require.NoError(err)
	enc, err := EncodeMacaroon(mac)
	require.NoError(err)

	for _, h := range []string{
		FormatAuthorization(enc, pre),
		"LSAT " + enc + ":" + pre.String(),
		"  l402 " + enc + " : " + pre.String() + " ",
	} {
		gotMac, gotPre, err := ParseAuthorization(h)
		require.NoError(err, h)
		require.Equal(pre, gotPre)
		require.Equal(mac.Id(), gotMac.Id())
	}

	for _, h := range []string{"", "Bearer abc", "L402"} {
		_, _, err := ParseAuthorization(h)
		require.ErrorIs(err, ErrNoToken, h)
	}
	for _, h := range []string{
		"L402 " + enc,
		"L402 " + enc + ":",
		"L402 " + enc + ":abcd",
		"L402 " + enc + ":" + pre.String() + ":x",
		"L402 notbase64!:" + pre.String(),
	} {
		_, _, err := ParseAuthorization(h)
		require.Error(err, h)
		require.NotErrorIs(err, ErrNoToken, h)
	}
}

func TestAccepts(t *testing.T) {
	require.True(t, Accepts("L402"))
	require.True(t, Accepts("lsat, l402"))
	require.False(t, Accepts(""))
	require.False(t, Accepts("Bearer"))
}
