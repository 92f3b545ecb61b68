// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package l402

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket   = "metadata"
	challengesBucket = "challenges"
	versionKey       = "version"

	ledgerVersion = 0
)

// ErrNoSuchChallenge is returned for a payment hash the ledger never issued.
var ErrNoSuchChallenge = errors.New("l402: no such challenge")

// Challenge is an issued payment challenge.
type Challenge struct {
	PaymentHash    lntypes.Hash
	PaymentRequest string
	AmountMsat     int64
	Memo           string
	Backend        string
	CreatedAt      int64
	PaidAt         int64
}

// Paid reports whether a token for the challenge has been redeemed.
func (c *Challenge) Paid() bool {
	return c.PaidAt != 0
}

// Ledger is a bbolt backed record of issued challenges.
type Ledger struct {
	db *bolt.DB
}

// OpenLedger creates (or loads) a ledger at path f.
func OpenLedger(f string) (*Ledger, error) {
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(challengesBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != ledgerVersion {
				return fmt.Errorf("l402: incompatible ledger version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{ledgerVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Record stores an issued challenge, replacing any earlier entry for the same
// payment hash.
func (l *Ledger) Record(c *Challenge) error {
	b, err := cbor.Marshal(c)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(challengesBucket)).Put(c.PaymentHash[:], b)
	})
}

// Get returns the challenge for a payment hash.
func (l *Ledger) Get(hash lntypes.Hash) (*Challenge, error) {
	c := new(Challenge)
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(challengesBucket)).Get(hash[:])
		if raw == nil {
			return ErrNoSuchChallenge
		}
		return cbor.Unmarshal(raw, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns every challenge, oldest first.
func (l *Ledger) List() ([]*Challenge, error) {
	var out []*Challenge
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(challengesBucket)).ForEach(func(k, v []byte) error {
			c := new(Challenge)
			if err := cbor.Unmarshal(v, c); err != nil {
				return fmt.Errorf("l402: corrupt ledger entry %x: %w", k, err)
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// MarkPaid stamps the challenge as redeemed at t. It reports false if the
// challenge was already marked.
func (l *Ledger) MarkPaid(hash lntypes.Hash, t time.Time) (bool, error) {
	marked := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(challengesBucket))
		raw := bkt.Get(hash[:])
		if raw == nil {
			return ErrNoSuchChallenge
		}
		c := new(Challenge)
		if err := cbor.Unmarshal(raw, c); err != nil {
			return err
		}
		if c.Paid() {
			return nil
		}
		c.PaidAt = t.Unix()
		b, err := cbor.Marshal(c)
		if err != nil {
			return err
		}
		marked = true
		return bkt.Put(hash[:], b)
	})
	return marked, err
}

// Close syncs and closes the database.
func (l *Ledger) Close() error {
	l.db.Sync()
	return l.db.Close()
}
