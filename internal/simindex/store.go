// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package simindex

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// caseKeyPrefix namespaces reference cases in BadgerDB.
const caseKeyPrefix = "case:"

// CaseStore persists ReferenceCases in BadgerDB. The corpus loader
// writes it out of band; the index builder reads it at rebuild time.
type CaseStore struct {
	db *badger.DB
}

// NewCaseStore wraps an open BadgerDB handle.
func NewCaseStore(db *badger.DB) *CaseStore {
	return &CaseStore{db: db}
}

// OpenCaseStore opens (or creates) a BadgerDB at path and wraps it.
func OpenCaseStore(path string) (*CaseStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open case store at %s: %w", path, err)
	}
	return &CaseStore{db: db}, nil
}

// Close releases the underlying database.
func (s *CaseStore) Close() error {
	return s.db.Close()
}

// Put upserts one reference case keyed by its ID.
func (s *CaseStore) Put(ctx context.Context, c *ReferenceCase) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.ID == "" {
		return fmt.Errorf("reference case has empty ID")
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal reference case: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(caseKeyPrefix+c.ID), data)
	})
}

// List streams every stored reference case. Iteration order is key order
// (case ID ascending), which keeps builds deterministic.
func (s *CaseStore) List(ctx context.Context) ([]ReferenceCase, error) {
	var cases []ReferenceCase

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(caseKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var c ReferenceCase
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return fmt.Errorf("unmarshal reference case %s: %w", it.Item().Key(), err)
			}
			cases = append(cases, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cases, nil
}

// Count returns the number of stored reference cases.
func (s *CaseStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(caseKeyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
