// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katzenpost/l402gate/common"
	"github.com/katzenpost/l402gate/config"
	"github.com/katzenpost/l402gate/server"
)

const defaultConfigFile = "l402gate.toml"

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "l402d",
		Short: "L402 Lightning paywall",
		Long: `l402d serves HTTP routes behind an L402 paywall.

Requests to a protected prefix are answered with 402 Payment Required, a
macaroon and a Lightning invoice issued by the configured backend. Once the
invoice is paid the client presents "L402 <macaroon>:<preimage>" and the
request is served, either by the built in handler or by the upstream the
gate proxies to.

Supported backends: LND, LNC (Lightning Node Connect), CLN, BOLT12, ECLAIR,
LNURL and NWC.`,
		Example: `  # Run the gate
  l402d -c /etc/l402gate/l402gate.toml

  # Issue a test invoice on the configured backend
  l402d invoice -c l402gate.toml --amount 21

  # Inspect an LNC pairing phrase
  l402d pair "abandon ability able about above absent absorb abstract absurd abuse"`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "configuration file (TOML)")

	cmd.AddCommand(
		newInvoiceCommand(&configFile),
		newLedgerCommand(&configFile),
		newPairCommand(),
		newRootKeyCommand(),
	)
	return cmd
}

func loadConfig(f string) (*config.Config, error) {
	if f == "" {
		return nil, fmt.Errorf("config file must be specified")
	}
	cfg, err := config.LoadFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", f, err)
	}
	return cfg, nil
}

func run(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	svr, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()
	if err := svr.Start(); err != nil {
		return err
	}

	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	svr.Wait()
	return nil
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
