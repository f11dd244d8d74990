// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package txlog keeps a bounded history of finished transactions.
//
// # Description
//
// Each terminal transaction is stored in BadgerDB under a key ordered by the
// time it ended, with its JSON form compressed by zstd. The log is an audit
// trail only: losing it never affects the index.
//
// # Thread Safety
//
// Log is safe for concurrent use.
package txlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	badgerstore "github.com/AleutianAI/AleutianDocIndex/services/docindex/storage/badger"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/transaction"
)

// DefaultMaxEntries bounds the log when Config.MaxEntries is zero.
const DefaultMaxEntries = 1000

var keyPrefix = []byte("tx/")

// ErrNotFound is returned by Find when no entry has the id.
var ErrNotFound = errors.New("transaction not found in log")

var recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docindex_txlog_records_total",
	Help: "Transactions written to the log by status and outcome",
}, []string{"status", "outcome"})

// Config configures a Log.
type Config struct {
	// Path is the badger directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps the log in RAM only.
	InMemory bool

	// MaxEntries is the retention bound. Oldest entries are pruned first.
	MaxEntries int
}

// Log is the transaction history.
type Log struct {
	db      *badgerstore.DB
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	max     int
	mu      sync.Mutex
	count   int
	logger  *slog.Logger
	closeMu sync.Once
}

// Open opens or creates the log.
//
// Inputs:
//
//	cfg - Log configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Log - The opened log. Call Close when done.
//	error - Non-nil if the database or codecs cannot be created.
func Open(cfg Config) (*Log, error) {
	logger := slog.Default().With("component", "txlog.Log")

	dbCfg := badgerstore.DefaultConfig()
	dbCfg.Path = cfg.Path
	dbCfg.InMemory = cfg.InMemory
	if cfg.InMemory {
		dbCfg.GCInterval = 0
	}

	db, err := badgerstore.OpenDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open txlog: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("create decompressor: %w", err)
	}

	l := &Log{
		db:     db,
		enc:    enc,
		dec:    dec,
		max:    cfg.MaxEntries,
		logger: logger,
	}
	if l.max <= 0 {
		l.max = DefaultMaxEntries
	}

	count, err := l.countKeys(context.Background())
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("count txlog entries: %w", err)
	}
	l.count = count
	return l, nil
}

// Record appends tx and prunes beyond the retention bound.
//
// Implements transaction.Recorder.
func (l *Log) Record(ctx context.Context, tx *transaction.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		recordsTotal.WithLabelValues(string(tx.Status), "error").Inc()
		return fmt.Errorf("encode transaction %s: %w", tx.ID, err)
	}
	value := l.enc.EncodeAll(data, nil)

	l.mu.Lock()
	defer l.mu.Unlock()

	ended := tx.EndedAt
	if ended.IsZero() {
		ended = tx.StartedAt
	}
	key := makeKey(ended.UnixNano(), tx.ID)

	if err := l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}); err != nil {
		recordsTotal.WithLabelValues(string(tx.Status), "error").Inc()
		return fmt.Errorf("write transaction %s: %w", tx.ID, err)
	}
	recordsTotal.WithLabelValues(string(tx.Status), "ok").Inc()
	l.count++

	if l.count > l.max {
		pruned, err := l.pruneOldest(ctx, l.count-l.max)
		l.count -= pruned
		if err != nil {
			l.logger.Warn("txlog prune failed", "error", err)
		}
	}
	return nil
}

// Recent returns up to n transactions, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]*transaction.Transaction, error) {
	if n <= 0 {
		return []*transaction.Transaction{}, nil
	}
	out := make([]*transaction.Transaction, 0, n)
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, keyPrefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(keyPrefix) && len(out) < n; it.Next() {
			tx, err := l.decodeItem(it.Item())
			if err != nil {
				return err
			}
			out = append(out, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Find returns the logged transaction with the given id.
func (l *Log) Find(ctx context.Context, id string) (*transaction.Transaction, error) {
	suffix := []byte("/" + id)
	var found *transaction.Transaction
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(keyPrefix); it.Next() {
			if !bytes.HasSuffix(it.Item().Key(), suffix) {
				continue
			}
			tx, err := l.decodeItem(it.Item())
			if err != nil {
				return err
			}
			found = tx
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return found, nil
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close releases the database and codecs. Safe to call more than once.
func (l *Log) Close() error {
	var err error
	l.closeMu.Do(func() {
		l.enc.Close()
		l.dec.Close()
		err = l.db.Close()
	})
	return err
}

func (l *Log) decodeItem(item *badger.Item) (*transaction.Transaction, error) {
	var tx transaction.Transaction
	err := item.Value(func(val []byte) error {
		raw, err := l.dec.DecodeAll(val, nil)
		if err != nil {
			return fmt.Errorf("decompress %s: %w", item.Key(), err)
		}
		return json.Unmarshal(raw, &tx)
	})
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// pruneOldest deletes up to n of the oldest entries. Must hold l.mu.
func (l *Log) pruneOldest(ctx context.Context, n int) (int, error) {
	var keys [][]byte
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(keyPrefix) && len(keys) < n; it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	err = l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (l *Log) countKeys(ctx context.Context) (int, error) {
	count := 0
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(keyPrefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// makeKey orders entries by end time; the id suffix keeps keys unique.
func makeKey(unixNano int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", keyPrefix, unixNano, id))
}
