// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package pairing derives the Lightning Node Connect pairing credential
// (passphrase entropy, mailbox stream identifiers, the scrypt stretched
// secret and a fresh local static key) from a human pairing phrase.
package pairing

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/aezeed"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/katzenpost/l402gate/lnc"
)

const (
	// NumWords is the number of words in a pairing phrase.
	NumWords = 10

	// EntropySize is the size of the passphrase entropy in bytes.
	EntropySize = 14

	// BitsPerWord is the number of entropy bits encoded by each word.
	BitsPerWord = 11

	// StreamIDSize is the size of a mailbox stream identifier.
	StreamIDSize = 64

	// StretchedSize is the size of the scrypt output.
	StretchedSize = 32

	// MaxHexLength bounds the raw hex entropy form of a pairing phrase.
	MaxHexLength = 64

	scryptN = 1 << 16
	scryptR = 8
	scryptP = 1

	// MailboxServerEnv overrides the default mailbox server.
	MailboxServerEnv = "LNC_MAILBOX_SERVER"

	// DefaultMailboxServer is used when MailboxServerEnv is unset.
	DefaultMailboxServer = "ws://127.0.0.1:8085"
)

var (
	// ErrUnknownWord is returned for a word missing from the word list.
	ErrUnknownWord = errors.New("unknown word")

	// ErrWordCount is returned when the phrase is not exactly NumWords long.
	ErrWordCount = errors.New("wrong word count")

	// ErrInvalidHex is returned for malformed raw entropy.
	ErrInvalidHex = errors.New("invalid entropy hex")

	wordIndex     map[string]uint16
	wordIndexOnce sync.Once
)

func loadWordIndex() {
	wordIndex = make(map[string]uint16, len(aezeed.DefaultWordList))
	for i, w := range aezeed.DefaultWordList {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		wordIndex[w] = uint16(i)
	}
}

func lookupWord(w string) (uint16, bool) {
	wordIndexOnce.Do(loadWordIndex)
	idx, ok := wordIndex[w]
	return idx, ok
}

// Credential is the immutable result of deriving a pairing phrase.
type Credential struct {
	// Mnemonic is the normalized phrase, empty when derived from hex.
	Mnemonic string

	// Entropy is the passphrase entropy.
	Entropy []byte

	// StreamID is SHA512(Entropy).
	StreamID [StreamIDSize]byte

	// LocalStatic is the local static identity for this session.
	LocalStatic *btcec.PrivateKey

	// MailboxServer is the hashmail relay to dial.
	MailboxServer string

	stretchOnce sync.Once
	stretched   [StretchedSize]byte
	stretchErr  error
}

// ReceiveSID is the server to client stream identifier.
func (c *Credential) ReceiveSID() [StreamIDSize]byte {
	return c.StreamID
}

// SendSID is the client to server stream identifier: the stream id with the
// low bit of its final byte flipped.
func (c *Credential) SendSID() [StreamIDSize]byte {
	sid := c.StreamID
	sid[StreamIDSize-1] ^= 0x01
	return sid
}

// Stretched returns the scrypt stretched passphrase, computing it on first
// use. The computation is expensive so it is deferred until a connection is
// actually attempted.
func (c *Credential) Stretched() ([StretchedSize]byte, error) {
	c.stretchOnce.Do(func() {
		c.stretched, c.stretchErr = Stretch(c.Entropy)
	})
	return c.stretched, c.stretchErr
}

// Derive parses a pairing phrase (10 words) or raw entropy hex (at most 64
// hex characters without whitespace) into a Credential.
func Derive(phrase string) (*Credential, error) {
	phrase = strings.TrimSpace(phrase)

	var (
		entropy  []byte
		mnemonic string
		err      error
	)
	if isHexEntropy(phrase) {
		entropy, err = hex.DecodeString(phrase)
		if err != nil {
			return nil, lnc.New(lnc.KindInput, "lnc/pairing: derive", ErrInvalidHex)
		}
	} else {
		words := strings.Fields(norm.NFKD.String(phrase))
		var ent [EntropySize]byte
		if ent, err = MnemonicToEntropy(words); err != nil {
			return nil, err
		}
		entropy = ent[:]
		mnemonic = strings.ToLower(strings.Join(words, " "))
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	c := &Credential{
		Mnemonic:      mnemonic,
		Entropy:       entropy,
		StreamID:      sha512.Sum512(entropy),
		LocalStatic:   priv,
		MailboxServer: DefaultMailboxServer,
	}
	if s := os.Getenv(MailboxServerEnv); s != "" {
		c.MailboxServer = s
	}
	return c, nil
}

func isHexEntropy(s string) bool {
	if s == "" || len(s) > MaxHexLength {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// MnemonicToEntropy packs the 11 bit word indices MSB first into
// EntropySize bytes. The two trailing bits of the last byte stay zero.
func MnemonicToEntropy(words []string) ([EntropySize]byte, error) {
	var out [EntropySize]byte
	if len(words) != NumWords {
		return out, lnc.Errorf(lnc.KindInput, "lnc/pairing: derive", "%w: expected %d words, got %d",
			ErrWordCount, NumWords, len(words))
	}

	bit := 0
	for _, w := range words {
		idx, ok := lookupWord(strings.ToLower(w))
		if !ok {
			return out, lnc.Errorf(lnc.KindInput, "lnc/pairing: derive", "%w: %q", ErrUnknownWord, w)
		}
		for i := BitsPerWord - 1; i >= 0; i-- {
			if idx&(1<<uint(i)) != 0 {
				out[bit/8] |= 1 << uint(7-bit%8)
			}
			bit++
		}
	}
	return out, nil
}

// EntropyToMnemonic is the inverse of MnemonicToEntropy.
func EntropyToMnemonic(entropy [EntropySize]byte) [NumWords]string {
	var words [NumWords]string
	bit := 0
	for w := 0; w < NumWords; w++ {
		var idx uint16
		for i := 0; i < BitsPerWord; i++ {
			idx <<= 1
			if entropy[bit/8]&(1<<uint(7-bit%8)) != 0 {
				idx |= 1
			}
			bit++
		}
		words[w] = aezeed.DefaultWordList[idx]
	}
	return words
}

// Stretch runs scrypt over the entropy, using it as both password and salt.
func Stretch(entropy []byte) ([StretchedSize]byte, error) {
	var out [StretchedSize]byte
	k, err := scrypt.Key(entropy, entropy, scryptN, scryptR, scryptP, StretchedSize)
	if err != nil {
		return out, err
	}
	copy(out[:], k)
	return out, nil
}
