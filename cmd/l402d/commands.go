// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/qrterminal"
	"github.com/spf13/cobra"

	"github.com/katzenpost/l402gate/core/log"
	"github.com/katzenpost/l402gate/l402"
	"github.com/katzenpost/l402gate/lnc/pairing"
	"github.com/katzenpost/l402gate/lnclient"
)

func newInvoiceCommand(configFile *string) *cobra.Command {
	var (
		amountSats int64
		memo       string
		timeout    time.Duration
		noQR       bool
	)
	cmd := &cobra.Command{
		Use:   "invoice",
		Short: "Issue one invoice on the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
			if err != nil {
				return err
			}
			b, err := lnclient.New(cfg.Backend, logBackend.GetLogger(log.ModuleBackend))
			if err != nil {
				return err
			}
			defer b.Close()

			if amountSats == 0 {
				amountSats = cfg.L402.PriceSats
			}
			if memo == "" {
				memo = cfg.L402.Memo
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			inv, err := b.CreateInvoice(ctx, amountSats*1000, memo)
			if err != nil {
				return err
			}
			printInvoice(cmd.OutOrStdout(), inv, !noQR)
			return nil
		},
	}
	cmd.Flags().Int64VarP(&amountSats, "amount", "a", 0, "amount in satoshis (default: the configured price)")
	cmd.Flags().StringVarP(&memo, "memo", "m", "", "invoice description (default: the configured memo)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 2*time.Minute, "give up after this long")
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "do not render the invoice as a QR code")
	return cmd
}

func printInvoice(w io.Writer, inv *lnclient.Invoice, qr bool) {
	fmt.Fprintf(w, "payment_hash: %v\n", inv.PaymentHash)
	fmt.Fprintf(w, "invoice:      %s\n", inv.PaymentRequest)
	if !qr {
		return
	}
	fmt.Fprintln(w)
	qrterminal.GenerateWithConfig(strings.ToUpper(inv.PaymentRequest), qrterminal.Config{
		Level:      qrterminal.L,
		Writer:     w,
		HalfBlocks: true,
		QuietZone:  1,
	})
}

func newLedgerCommand(configFile *string) *cobra.Command {
	var unpaid bool
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List issued challenges",
		Long: `List the challenges recorded in the configured ledger file.

The ledger is locked while the daemon runs, so stop it first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			if cfg.Server.LedgerFile == "" {
				return fmt.Errorf("no LedgerFile is configured")
			}
			l, err := l402.OpenLedger(cfg.Server.LedgerFile)
			if err != nil {
				return fmt.Errorf("failed to open ledger: %v", err)
			}
			defer l.Close()

			list, err := l.List()
			if err != nil {
				return err
			}
			printLedger(cmd.OutOrStdout(), list, unpaid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&unpaid, "unpaid", false, "only list unredeemed challenges")
	return cmd
}

func printLedger(w io.Writer, list []*l402.Challenge, unpaid bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tPAYMENT HASH\tSATS\tBACKEND\tPAID")
	for _, c := range list {
		if unpaid && c.Paid() {
			continue
		}
		paid := "-"
		if c.Paid() {
			paid = time.Unix(c.PaidAt, 0).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%v\t%d\t%s\t%s\n",
			time.Unix(c.CreatedAt, 0).UTC().Format(time.RFC3339),
			c.PaymentHash, c.AmountMsat/1000, c.Backend, paid)
	}
	tw.Flush()
}

func newPairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pair <phrase>",
		Short: "Show the mailbox streams of an LNC pairing phrase",
		Long: `Derive the hashmail stream identifiers for an LNC pairing phrase, given
either as the ten word mnemonic or as hex entropy. Nothing is sent.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := pairing.Derive(strings.Join(args, " "))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			send, recv := cred.SendSID(), cred.ReceiveSID()
			if cred.Mnemonic != "" {
				fmt.Fprintf(w, "mnemonic:   %s\n", cred.Mnemonic)
			}
			fmt.Fprintf(w, "entropy:    %x\n", cred.Entropy)
			fmt.Fprintf(w, "mailbox:    %s\n", cred.MailboxServer)
			fmt.Fprintf(w, "send sid:   %x\n", send[:])
			fmt.Fprintf(w, "recv sid:   %x\n", recv[:])
			return nil
		},
	}
}

func newRootKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rootkey",
		Short: "Generate a macaroon root key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var k [32]byte
			if _, err := rand.Reader.Read(k[:]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(k[:]))
			return nil
		},
	}
}
