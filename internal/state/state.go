// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package state persists the hunter's public IP cache and the outbox of
// reports the coordinator has not accepted yet.
package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/crossbear/hunter/core/log"
	"github.com/crossbear/hunter/core/messages"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	pipBucket      = "pip"
	outboxBucket   = "outbox"

	dbVersion = 0
)

var errMalformedRecord = errors.New("state: malformed record")

type pipRecord struct {
	HMAC     []byte
	Addr     string
	CachedAt int64
}

type batchRecord struct {
	QueuedAt int64
	Body     []byte
}

// CachedPIP is a public IP notification and the time it was obtained.
type CachedPIP struct {
	PIP      *messages.PublicIPNotif
	CachedAt time.Time
}

// Batch is a framed report waiting for delivery.
type Batch struct {
	ID       uint64
	QueuedAt time.Time
	Body     []byte
}

// Store is the bolt backed local state.
type Store struct {
	db  *bolt.DB
	log *logging.Logger
}

// New creates (or loads) the state database at f.
func New(f string, backend *log.Backend) (*Store, error) {
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:  db,
		log: backend.GetLogger("state"),
	}

	if err = s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{pipBucket, outboxBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != dbVersion {
				return fmt.Errorf("state: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{dbVersion})
	}); err != nil {
		s.db.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes and closes the database.
func (s *Store) Close() {
	s.db.Sync()
	s.db.Close()
}

func pipKey(version int) []byte {
	return []byte{byte(version)}
}

// PutPIP records p as obtained at t, replacing the entry of the same IP
// version.
func (s *Store) PutPIP(p *messages.PublicIPNotif, t time.Time) error {
	b, err := cbor.Marshal(&pipRecord{
		HMAC:     p.HMAC[:],
		Addr:     p.Addr.String(),
		CachedAt: t.UnixNano(),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pipBucket)).Put(pipKey(p.IPVersion()), b)
	})
}

// PIPs returns the cached notifications keyed by IP version.  Undecodable
// entries are dropped.
func (s *Store) PIPs() (map[int]CachedPIP, error) {
	out := make(map[int]CachedPIP)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(pipBucket))
		var bad [][]byte
		bkt.ForEach(func(k, v []byte) error {
			c, err := decodePIP(v)
			if err != nil || len(k) != 1 || c.PIP.IPVersion() != int(k[0]) {
				s.log.Warningf("Dropping cached public IP %x: %v", k, err)
				bad = append(bad, append([]byte{}, k...))
				return nil
			}
			out[int(k[0])] = c
			return nil
		})
		for _, k := range bad {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodePIP(b []byte) (CachedPIP, error) {
	var r pipRecord
	if err := cbor.Unmarshal(b, &r); err != nil {
		return CachedPIP{}, err
	}
	addr, err := netip.ParseAddr(r.Addr)
	if err != nil {
		return CachedPIP{}, err
	}
	p := &messages.PublicIPNotif{Addr: addr}
	if len(r.HMAC) != len(p.HMAC) {
		return CachedPIP{}, errMalformedRecord
	}
	copy(p.HMAC[:], r.HMAC)
	return CachedPIP{PIP: p, CachedAt: time.Unix(0, r.CachedAt)}, nil
}

// EnqueueBatch parks a framed report body for later delivery.
func (s *Store) EnqueueBatch(body []byte, t time.Time) (uint64, error) {
	b, err := cbor.Marshal(&batchRecord{QueuedAt: t.UnixNano(), Body: body})
	if err != nil {
		return 0, err
	}
	var id uint64
	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(outboxBucket))
		if id, err = bkt.NextSequence(); err != nil {
			return err
		}
		var k [8]byte
		binary.BigEndian.PutUint64(k[:], id)
		return bkt.Put(k[:], b)
	})
	if err != nil {
		return 0, err
	}
	s.log.Debugf("Queued batch %d (%d bytes).", id, len(body))
	return id, nil
}

// PendingBatches returns the parked batches, oldest first.
func (s *Store) PendingBatches() ([]Batch, error) {
	var out []Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(outboxBucket)).ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return errMalformedRecord
			}
			var r batchRecord
			if err := cbor.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, Batch{
				ID:       binary.BigEndian.Uint64(k),
				QueuedAt: time.Unix(0, r.QueuedAt),
				Body:     r.Body,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveBatch deletes a delivered batch.
func (s *Store) RemoveBatch(id uint64) error {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(outboxBucket)).Delete(k[:])
	})
}
