// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the l402gate daemon configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/l402gate/lnc/pairing"
)

const (
	defaultLogLevel      = "NOTICE"
	defaultAddress       = "127.0.0.1:8080"
	defaultPriceSats     = 10
	defaultMemo          = "L402"
	defaultTokenCacheTTL = 300
	defaultNetwork       = "mainnet"

	// RootKeyEnv overrides L402.RootKey.
	RootKeyEnv = "ROOT_KEY"

	// MailboxServerEnv overrides Backend.LNC.MailboxServer.
	MailboxServerEnv = pairing.MailboxServerEnv

	rootKeySize = 32
)

// Backend types.
const (
	BackendLND    = "LND"
	BackendLNC    = "LNC"
	BackendCLN    = "CLN"
	BackendBOLT12 = "BOLT12"
	BackendEclair = "ECLAIR"
	BackendLNURL  = "LNURL"
	BackendNWC    = "NWC"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Server is the HTTP front end configuration.
type Server struct {
	// Address is the address the L402 gate listens on.
	Address string

	// MetricsAddress is the address serving /metrics, disabled if empty.
	MetricsAddress string

	// LedgerFile is the bbolt file recording issued challenges, disabled
	// if empty.
	LedgerFile string

	// Upstream is the URL protected requests are proxied to once paid. If
	// empty the built in /protected handler answers them.
	Upstream string

	// ProtectedPrefixes are the path prefixes that always require payment.
	ProtectedPrefixes []string
}

func (s *Server) validate() error {
	if s.Address == "" {
		s.Address = defaultAddress
	}
	if len(s.ProtectedPrefixes) == 0 {
		s.ProtectedPrefixes = []string{"/protected"}
	}
	for _, p := range s.ProtectedPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("config: Server: ProtectedPrefix '%v' is not absolute", p)
		}
	}
	if s.Upstream != "" {
		u, err := url.Parse(s.Upstream)
		if err != nil {
			return fmt.Errorf("config: Server: Upstream: %v", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("config: Server: Upstream '%v' is not an http(s) URL", s.Upstream)
		}
	}
	return nil
}

// L402 is the token issuing configuration.
type L402 struct {
	// RootKey is the hex encoded macaroon root key.
	RootKey string

	// PriceSats is the price of one token.
	PriceSats int64

	// Memo is the invoice description.
	Memo string

	// Caveats are first party caveats added to every token and required
	// when verifying one.
	Caveats []string

	// TokenCacheTTL is the number of seconds a verified token is cached.
	TokenCacheTTL int

	rootKey []byte
}

// RootKeyBytes returns the decoded root key.
func (l *L402) RootKeyBytes() []byte {
	return l.rootKey
}

func (l *L402) validate() error {
	if s := os.Getenv(RootKeyEnv); s != "" {
		l.RootKey = s
	}
	if l.RootKey == "" {
		return errors.New("config: L402: RootKey is not set")
	}
	k, err := hex.DecodeString(l.RootKey)
	if err != nil {
		return fmt.Errorf("config: L402: RootKey: %v", err)
	}
	if len(k) != rootKeySize {
		return fmt.Errorf("config: L402: RootKey must be %d bytes, got %d", rootKeySize, len(k))
	}
	l.rootKey = k

	if l.PriceSats == 0 {
		l.PriceSats = defaultPriceSats
	}
	if l.PriceSats < 0 {
		return fmt.Errorf("config: L402: PriceSats %d is negative", l.PriceSats)
	}
	if l.Memo == "" {
		l.Memo = defaultMemo
	}
	if l.TokenCacheTTL == 0 {
		l.TokenCacheTTL = defaultTokenCacheTTL
	}
	return nil
}

// LND is a directly connected lnd node.
type LND struct {
	// Address is the node's host:port gRPC address.
	Address string

	// CertFile is the node's TLS certificate.
	CertFile string

	// MacaroonFile is the macaroon sent with every call.
	MacaroonFile string

	// SOCKS5Proxy is an optional host:port proxy, Tor for onion nodes.
	SOCKS5Proxy string
}

// LNC is a node reached over Lightning Node Connect.
type LNC struct {
	// PairingPhrase is the ten word phrase from the node.
	PairingPhrase string

	// MailboxServer overrides the hashmail relay.
	MailboxServer string
}

// CLN is a Core Lightning node reached over its RPC socket.
type CLN struct {
	// LightningDir holds the lightning-rpc socket.
	LightningDir string
}

// Bolt12 fetches invoices for a BOLT12 offer through Core Lightning.
type Bolt12 struct {
	LightningDir string
	Offer        string
}

// Eclair is an Eclair node's REST API.
type Eclair struct {
	APIURL   string
	Password string
}

// LNURL is a lightning address.
type LNURL struct {
	// Address is the user@domain lightning address.
	Address string

	// Network is the chain the invoices are decoded for.
	Network string
}

// NWC is a Nostr Wallet Connect wallet.
type NWC struct {
	// URI is the nostr+walletconnect connection string.
	URI string
}

// Backend selects and configures the Lightning backend.
type Backend struct {
	// Type is one of LND, LNC, CLN, BOLT12, ECLAIR, LNURL or NWC.
	Type string

	LND    *LND
	LNC    *LNC
	CLN    *CLN
	Bolt12 *Bolt12
	Eclair *Eclair
	LNURL  *LNURL
	NWC    *NWC
}

func (b *Backend) validate() error {
	b.Type = strings.ToUpper(b.Type)
	missing := func() error {
		return fmt.Errorf("config: Backend: Type %v requires a [Backend.%v] block", b.Type, b.Type)
	}
	switch b.Type {
	case BackendLND:
		if b.LND == nil {
			return missing()
		}
		if b.LND.Address == "" || b.LND.CertFile == "" || b.LND.MacaroonFile == "" {
			return errors.New("config: Backend: LND requires Address, CertFile and MacaroonFile")
		}
	case BackendLNC:
		if b.LNC == nil {
			return missing()
		}
		if b.LNC.PairingPhrase == "" {
			return errors.New("config: Backend: LNC requires PairingPhrase")
		}
		if s := os.Getenv(MailboxServerEnv); s != "" {
			b.LNC.MailboxServer = s
		}
	case BackendCLN:
		if b.CLN == nil {
			return missing()
		}
		if b.CLN.LightningDir == "" {
			return errors.New("config: Backend: CLN requires LightningDir")
		}
	case BackendBOLT12:
		if b.Bolt12 == nil {
			return missing()
		}
		if b.Bolt12.LightningDir == "" || b.Bolt12.Offer == "" {
			return errors.New("config: Backend: BOLT12 requires LightningDir and Offer")
		}
	case BackendEclair:
		if b.Eclair == nil {
			return missing()
		}
		if b.Eclair.APIURL == "" {
			return errors.New("config: Backend: Eclair requires APIURL")
		}
	case BackendLNURL:
		if b.LNURL == nil {
			return missing()
		}
		if !strings.Contains(b.LNURL.Address, "@") {
			return fmt.Errorf("config: Backend: LNURL Address '%v' is not a lightning address", b.LNURL.Address)
		}
		if b.LNURL.Network == "" {
			b.LNURL.Network = defaultNetwork
		}
	case BackendNWC:
		if b.NWC == nil {
			return missing()
		}
		if b.NWC.URI == "" {
			return errors.New("config: Backend: NWC requires URI")
		}
	case "":
		return errors.New("config: Backend: Type is not set")
	default:
		return fmt.Errorf("config: Backend: Type '%v' is invalid", b.Type)
	}
	return nil
}

// Config is the top level l402gate configuration.
type Config struct {
	Logging *Logging
	Server  *Server
	L402    *L402
	Backend *Backend
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.L402 == nil {
		c.L402 = &L402{}
	}
	if c.Backend == nil {
		return errors.New("config: No Backend block was present")
	}

	// Handle missing sections if possible.
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Server == nil {
		c.Server = &Server{}
	}

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Server.validate(); err != nil {
		return err
	}
	if err := c.L402.validate(); err != nil {
		return err
	}
	return c.Backend.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
