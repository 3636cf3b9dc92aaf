// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "queue:msg:"

// BadgerStore is a Store backed by BadgerDB. The queue shares the DB
// handle with its owner; Close does not close the underlying DB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a Badger-backed store on an open DB.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadgerStore opens a BadgerDB at dir and wraps it in a store. The
// caller owns neither; CloseDB tears both down.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Put(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(msg.ID), data)
	})
}

func (s *BadgerStore) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(s.key(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func (s *BadgerStore) LoadPending() ([]*Message, error) {
	var out []*Message

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(badgerKeyPrefix)); it.ValidForPrefix([]byte(badgerKeyPrefix)); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var msg Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return fmt.Errorf("unmarshal message: %w", err)
				}
				out = append(out, &msg)
				return nil
			})
			if err != nil {
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

// Close is a no-op; the DB handle may be shared. Use CloseDB to close it.
func (s *BadgerStore) Close() error {
	return nil
}

// CloseDB closes the underlying BadgerDB.
func (s *BadgerStore) CloseDB() error {
	return s.db.Close()
}

func (s *BadgerStore) key(id string) []byte {
	return []byte(badgerKeyPrefix + id)
}
