package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/ledgerline/internal/ledger"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

var _ ledger.WindowSource = (*Store)(nil)

const txColumns = `signature, slot, block_time, status, signer, instructions`

// PutTransactions archives transactions for a channel in one database
// transaction.
//
// Re-inserting a known signature is a no-op, except that a pending
// transaction adopts a final status (confirmed or failed). Final statuses
// never change.
func (s *Store) PutTransactions(ctx context.Context, channel string, txs ...ledger.Transaction) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put transactions: %w", err)
	}
	defer dbtx.Rollback()

	for _, tx := range txs {
		if tx.Status == "" {
			tx.Status = ledger.StatusConfirmed
		}
		ins, err := marshalInstructions(tx.Instructions)
		if err != nil {
			return fmt.Errorf("put transaction %s: %w", tx.Signature, err)
		}

		_, err = dbtx.ExecContext(ctx, `
			INSERT INTO transactions
			(signature, channel, slot, block_time, status, signer, instructions, updated_seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(updated_seq), 0) + 1 FROM transactions))
			ON CONFLICT(signature) DO UPDATE SET
				status = excluded.status,
				updated_seq = excluded.updated_seq
			WHERE transactions.status = 'pending' AND excluded.status != 'pending'
		`,
			tx.Signature,
			channel,
			int64(tx.Slot),
			toMillis(tx.BlockTime),
			string(tx.Status),
			tx.Signer,
			ins,
		)
		if err != nil {
			return fmt.Errorf("put transaction %s: %w", tx.Signature, err)
		}
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("put transactions: %w", err)
	}
	return nil
}

// SetStatus moves a pending transaction to a final status.
// Returns false if the transaction was not pending. Returns ErrNotFound if
// the signature is unknown.
func (s *Store) SetStatus(ctx context.Context, signature string, status ledger.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?, updated_seq = (SELECT COALESCE(MAX(updated_seq), 0) + 1 FROM transactions)
		WHERE signature = ? AND status = 'pending' AND ? != 'pending'
	`, string(status), signature, string(status))
	if err != nil {
		return false, fmt.Errorf("set status %s: %w", signature, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set status %s: %w", signature, err)
	}
	if n == 0 {
		if _, err := s.Transaction(ctx, signature); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

// Transaction reads one transaction by signature.
func (s *Store) Transaction(ctx context.Context, signature string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE signature = ?`, signature)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", signature, ErrNotFound)
	}
	return tx, err
}

// FetchWindow returns the newest limit transactions of the channel in
// ascending (slot, signature) order.
func (s *Store) FetchWindow(ctx context.Context, channel string, limit int) ([]ledger.Transaction, error) {
	txs, err := s.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE channel = ?
		ORDER BY slot DESC, signature COLLATE BINARY DESC
		LIMIT ?
	`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch window: %w", err)
	}
	slices.Reverse(txs)
	return txs, nil
}

// FetchOlder returns the limit transactions immediately before the cursor in
// ascending order.
func (s *Store) FetchOlder(ctx context.Context, channel string, before ledger.Cursor, limit int) ([]ledger.Transaction, error) {
	txs, err := s.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE channel = ? AND (slot < ? OR (slot = ? AND signature COLLATE BINARY < ?))
		ORDER BY slot DESC, signature COLLATE BINARY DESC
		LIMIT ?
	`, channel, int64(before.Slot), int64(before.Slot), before.Signature, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch older: %w", err)
	}
	slices.Reverse(txs)
	return txs, nil
}

// FetchNewer returns up to limit transactions immediately after the cursor
// in ascending order.
func (s *Store) FetchNewer(ctx context.Context, channel string, after ledger.Cursor, limit int) ([]ledger.Transaction, error) {
	txs, err := s.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE channel = ? AND (slot > ? OR (slot = ? AND signature COLLATE BINARY > ?))
		ORDER BY slot ASC, signature COLLATE BINARY ASC
		LIMIT ?
	`, channel, int64(after.Slot), int64(after.Slot), after.Signature, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch newer: %w", err)
	}
	return txs, nil
}

// Changes returns transactions of the channel inserted or updated after
// sequence number since, in change order, together with the last sequence
// number seen. Returns since unchanged when there is nothing new.
func (s *Store) Changes(ctx context.Context, channel string, since int64, limit int) ([]ledger.Transaction, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+`, updated_seq FROM transactions
		WHERE channel = ? AND updated_seq > ?
		ORDER BY updated_seq ASC, signature COLLATE BINARY ASC
		LIMIT ?
	`, channel, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	txs := []ledger.Transaction{}
	last := since
	for rows.Next() {
		var seq int64
		tx, err := scanTransactionWith(rows, &seq)
		if err != nil {
			return nil, since, err
		}
		txs = append(txs, tx)
		last = seq
	}
	if err := rows.Err(); err != nil {
		return nil, since, fmt.Errorf("iterate changes: %w", err)
	}
	return txs, last, nil
}

// ChangeSeq returns the current change sequence number of the channel.
func (s *Store) ChangeSeq(ctx context.Context, channel string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(updated_seq), 0) FROM transactions WHERE channel = ?`, channel,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("change seq: %w", err)
	}
	return seq, nil
}

// SubscribeNew polls the archive for transactions of the channel inserted or
// updated after the call, and delivers them to fn in change order from a
// single goroutine. Polling failures are logged and retried on the next tick.
func (s *Store) SubscribeNew(ctx context.Context, channel string, fn func(ledger.Transaction)) (ledger.Unsubscribe, error) {
	since, err := s.ChangeSeq(ctx, channel)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)

		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			case <-ticker.C:
			}

			txs, last, err := s.Changes(ctx, channel, since, 256)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("archive poll failed", "channel", channel, "error", err)
				}
				continue
			}
			since = last
			for _, tx := range txs {
				fn(tx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	txs := []ledger.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	return scanTransactionWith(row)
}

// scanTransactionWith scans the txColumns followed by extra destinations.
func scanTransactionWith(row scanner, extra ...any) (ledger.Transaction, error) {
	var (
		tx        ledger.Transaction
		slot      int64
		blockTime int64
		status    string
		ins       string
	)
	dest := append([]any{&tx.Signature, &slot, &blockTime, &status, &tx.Signer, &ins}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, err
		}
		return ledger.Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}

	tx.Slot = uint64(slot)
	tx.BlockTime = fromMillis(blockTime)
	tx.Status = ledger.Status(status)
	instructions, err := unmarshalInstructions(ins)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("scan transaction %s: %w", tx.Signature, err)
	}
	tx.Instructions = instructions
	return tx, nil
}
