// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/l402gate/l402"
	"github.com/katzenpost/l402gate/lnclient"
)

func execute(t *testing.T, args ...string) (string, error) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPairCommand(t *testing.T) {
	require := require.New(t)
	t.Setenv("LNC_MAILBOX_SERVER", "")

	out, err := execute(t, "pair", "abandon", "ability", "able", "about", "above", "absent", "absorb", "abstract", "absurd", "abuse")
	require.NoError(err)
	require.Contains(out, "mnemonic:   abandon ability able")
	require.Contains(out, "mailbox:    ws://127.0.0.1:8085")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	var send, recv string
	for _, l := range lines {
		if v, ok := strings.CutPrefix(l, "send sid:   "); ok {
			send = v
		}
		if v, ok := strings.CutPrefix(l, "recv sid:   "); ok {
			recv = v
		}
	}
	require.Len(send, 128)
	require.Len(recv, 128)
	require.Equal(send[:126], recv[:126])
	require.NotEqual(send, recv)

	_, err = execute(t, "pair", "not", "a", "phrase")
	require.Error(err)
}

func TestRootKeyCommand(t *testing.T) {
	out, err := execute(t, "rootkey")
	require.NoError(t, err)
	require.Regexp(t, `^[0-9a-f]{64}\n$`, out)
}

func TestLedgerCommand(t *testing.T) {
	require := require.New(t)
	t.Setenv("ROOT_KEY", "")
	dir := t.TempDir()
	ledgerFile := filepath.Join(dir, "ledger.db")

	l, err := l402.OpenLedger(ledgerFile)
	require.NoError(err)
	var paid, open lntypes.Hash
	paid[0], open[0] = 1, 2
	require.NoError(l.Record(&l402.Challenge{PaymentHash: paid, AmountMsat: 21000, Backend: "LND", CreatedAt: 1700000000}))
	require.NoError(l.Record(&l402.Challenge{PaymentHash: open, AmountMsat: 5000, Backend: "LND", CreatedAt: 1700000100}))
	_, err = l.MarkPaid(paid, time.Unix(1700000050, 0))
	require.NoError(err)
	require.NoError(l.Close())

	cfgFile := filepath.Join(dir, "l402gate.toml")
	require.NoError(os.WriteFile(cfgFile, []byte(fmt.Sprintf(`
[Logging]
Disable = true
[Server]
LedgerFile = %q
[L402]
RootKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
[Backend]
Type = "CLN"
[Backend.CLN]
LightningDir = %q
`, ledgerFile, dir)), 0600))

	out, err := execute(t, "ledger", "-c", cfgFile)
	require.NoError(err)
	require.Contains(out, paid.String())
	require.Contains(out, open.String())
	require.Contains(out, "2023-11-14T22:14:10Z")

	out, err = execute(t, "ledger", "-c", cfgFile, "--unpaid")
	require.NoError(err)
	require.NotContains(out, paid.String())
	require.Contains(out, open.String())

	_, err = execute(t, "ledger", "-c", filepath.Join(dir, "missing.toml"))
	require.ErrorContains(err, "failed to load config file")
}

func TestPrintInvoice(t *testing.T) {
	var out bytes.Buffer
	var h lntypes.Hash
	h[31] = 9
	printInvoice(&out, &lnclient.Invoice{PaymentRequest: "lnbcrt1ptest", PaymentHash: h}, false)
	require.Equal(t, "payment_hash: "+h.String()+"\ninvoice:      lnbcrt1ptest\n", out.String())
}
