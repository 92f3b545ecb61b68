// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package noise

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/l402gate/lnc"
)

func testSecret(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func newKey(t *testing.T) *btcec.PrivateKey {
	k, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return k
}

func runHandshake(t *testing.T, ini, resp *Handshake) (*Machine, *Machine) {
	t.Helper()
	require := require.New(t)

	act1, err := ini.WriteAct1()
	require.NoError(err)
	require.NoError(resp.ReadAct1(act1))

	act2, err := resp.WriteAct2()
	require.NoError(err)
	require.NoError(ini.ReadAct2(act2))

	act3, err := ini.WriteAct3()
	require.NoError(err)
	require.NoError(resp.ReadAct3(act3))

	mi, err := ini.Split()
	require.NoError(err)
	mr, err := resp.Split()
	require.NoError(err)
	return mi, mr
}

func TestHandshakeVersions(t *testing.T) {
	secret := testSecret("pairing")
	auth := []byte("Macaroon: 0201036c6e64")

	for _, v := range []byte{Version0, Version1, Version2} {
		require := require.New(t)

		iStatic, rStatic := newKey(t), newKey(t)
		ini := NewInitiator(iStatic, secret)
		ini.version = v
		resp := NewResponder(rStatic, secret, auth)

		mi, mr := runHandshake(t, ini, resp)

		require.Equal(v, ini.Version())
		require.Equal(v, resp.Version())
		require.Equal(auth, ini.AuthData())
		require.True(ini.RemoteStatic().IsEqual(rStatic.PubKey()))
		require.True(resp.RemoteStatic().IsEqual(iStatic.PubKey()))

		frame, err := mi.Encrypt([]byte("ping"))
		require.NoError(err)
		pt, n, err := mr.Decrypt(frame)
		require.NoError(err)
		require.Equal(len(frame), n)
		require.Equal([]byte("ping"), pt)

		frame, err = mr.Encrypt([]byte("pong"))
		require.NoError(err)
		pt, _, err = mi.Decrypt(frame)
		require.NoError(err)
		require.Equal([]byte("pong"), pt)
	}
}

func TestHandshakeMessageSizes(t *testing.T) {
	require := require.New(t)

	secret := testSecret("sizes")
	ini := NewInitiator(newKey(t), secret)
	resp := NewResponder(newKey(t), secret, []byte("abc"))

	act1, err := ini.WriteAct1()
	require.NoError(err)
	require.Len(act1, 1+33+16)
	require.Equal(DefaultVersion, act1[0])
	require.NoError(resp.ReadAct1(act1))

	act2, err := resp.WriteAct2()
	require.NoError(err)
	require.Len(act2, 1+33+49+20+3+16)
	require.NoError(ini.ReadAct2(act2))

	act3, err := ini.WriteAct3()
	require.NoError(err)
	require.Len(act3, 1+49+16)
}

func TestHandshakeWrongSecret(t *testing.T) {
	t.Run("version 2 fails at the responder", func(t *testing.T) {
		ini := NewInitiator(newKey(t), testSecret("right"))
		resp := NewResponder(newKey(t), testSecret("wrong"), nil)

		act1, err := ini.WriteAct1()
		require.NoError(t, err)
		err = resp.ReadAct1(act1)
		require.Equal(t, lnc.KindHandshakeAuth, lnc.KindOf(err))
		require.False(t, lnc.IsRetryable(err))
		require.Equal(t, StateAbandoned, resp.State())
	})

	t.Run("version 0 fails at the initiator", func(t *testing.T) {
		ini := NewInitiator(newKey(t), testSecret("right"))
		ini.version = Version0
		resp := NewResponder(newKey(t), testSecret("wrong"), []byte("auth"))

		act1, err := ini.WriteAct1()
		require.NoError(t, err)
		require.NoError(t, resp.ReadAct1(act1))
		act2, err := resp.WriteAct2()
		require.NoError(t, err)

		err = ini.ReadAct2(act2)
		require.Equal(t, lnc.KindHandshakeAuth, lnc.KindOf(err))
	})
}

func TestHandshakeClone(t *testing.T) {
	require := require.New(t)

	secret := testSecret("clone")
	base := NewInitiator(newKey(t), secret)
	act1, err := base.WriteAct1()
	require.NoError(err)

	for i := 0; i < 2; i++ {
		ini := base.Clone()
		resp := NewResponder(newKey(t), secret, []byte{byte(i)})
		require.NoError(resp.ReadAct1(act1))

		act2, err := resp.WriteAct2()
		require.NoError(err)
		require.NoError(ini.ReadAct2(act2))
		require.Equal([]byte{byte(i)}, ini.AuthData())

		act3, err := ini.WriteAct3()
		require.NoError(err)
		require.NoError(resp.ReadAct3(act3))
	}
	require.Equal(StateAct1Sent, base.State())
}

func TestHandshakeMalformed(t *testing.T) {
	require := require.New(t)
	secret := testSecret("malformed")

	ini := NewInitiator(newKey(t), secret)
	_, err := ini.WriteAct1()
	require.NoError(err)
	err = ini.ReadAct2([]byte{3})
	require.Equal(lnc.KindHandshakeAuth, lnc.KindOf(err))

	ini = NewInitiator(newKey(t), secret)
	_, err = ini.WriteAct1()
	require.NoError(err)
	err = ini.ReadAct2(make([]byte, 40))
	require.Equal(lnc.KindFrame, lnc.KindOf(err))

	resp := NewResponder(newKey(t), secret, nil)
	err = resp.ReadAct1([]byte{2, 1, 2})
	require.Equal(lnc.KindFrame, lnc.KindOf(err))

	var overflow [32]byte
	for i := range overflow {
		overflow[i] = 0xff
	}
	_, err = NewInitiator(newKey(t), overflow).WriteAct1()
	require.Equal(lnc.KindInput, lnc.KindOf(err))
}

func TestHandshakeOrdering(t *testing.T) {
	require := require.New(t)
	secret := testSecret("order")

	ini := NewInitiator(newKey(t), secret)
	_, err := ini.Split()
	require.Error(err)
	_, err = ini.WriteAct3()
	require.Error(err)
	require.Error(ini.ReadAct1(nil))

	resp := NewResponder(newKey(t), secret, nil)
	_, err = resp.WriteAct1()
	require.Error(err)

	ini = NewInitiator(newKey(t), secret)
	runHandshake(t, ini, NewResponder(newKey(t), secret, nil))
	require.Equal(StateSplit, ini.State())
	_, err = ini.Split()
	require.Error(err)
}

func TestSpake2RoundTrip(t *testing.T) {
	require := require.New(t)

	secret := testSecret("spake")
	e := newKey(t).PubKey()
	me, err := spake2Mask(e, secret)
	require.NoError(err)
	require.False(me.IsEqual(e))

	back, err := spake2Unmask(me, secret)
	require.NoError(err)
	require.True(back.IsEqual(e))
}

func TestECDHSymmetric(t *testing.T) {
	a, b := newKey(t), newKey(t)
	require.Equal(t, ecdh(b.PubKey(), a), ecdh(a.PubKey(), b))
}
