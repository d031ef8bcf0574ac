// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	wbadger "github.com/AleutianAI/warden/services/warden/storage/badger"
)

// Store persists audit events.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put writes e, keyed by its sequence.
	Put(ctx context.Context, e Event) error

	// Load returns every stored event in sequence order.
	Load(ctx context.Context) ([]Event, error)

	// DeleteBefore removes events with a timestamp before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases the store.
	Close() error
}

var eventPrefix = []byte("audit/event/")

func eventKey(seq uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], seq)
	return key
}

// BadgerStore keeps events in BadgerDB.
//
// Keys are the big-endian sequence under a fixed prefix, so iteration
// order is sequence order. Every entry carries a TTL equal to the
// retention, so an unattended database still sheds old events.
type BadgerStore struct {
	db        *wbadger.DB
	retention time.Duration
}

// NewBadgerStore wraps db. retention <= 0 means DefaultRetention.
func NewBadgerStore(db *wbadger.DB, retention time.Duration) *BadgerStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &BadgerStore{db: db, retention: retention}
}

// OpenBadgerStore opens a persistent store at path.
func OpenBadgerStore(path string, retention time.Duration) (*BadgerStore, error) {
	db, err := wbadger.Open(wbadger.DefaultConfig(path))
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(db, retention), nil
}

func (s *BadgerStore) Put(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(eventKey(e.Sequence), data).WithTTL(s.retention))
	})
}

func (s *BadgerStore) Load(ctx context.Context) ([]Event, error) {
	var events []Event
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: eventPrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decode audit event %x: %w", it.Item().Key(), err)
			}
			events = append(events, e)
		}
		return nil
	})
	return events, err
}

func (s *BadgerStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var stale [][]byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: eventPrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Event
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return err
			}
			if !e.Timestamp.Before(cutoff) {
				break
			}
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("delete audit event: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush audit deletes: %w", err)
	}
	return len(stale), nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
