package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ledgerline/internal/ledger"
)

var _ ledger.BalanceSource = (*Store)(nil)

// SetBalance records account's holding of asset.
func (s *Store) SetBalance(ctx context.Context, account, asset string, amount uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (account, asset, amount) VALUES (?, ?, ?)
		ON CONFLICT(account, asset) DO UPDATE SET amount = excluded.amount
	`, account, asset, int64(amount))
	if err != nil {
		return fmt.Errorf("set balance %s/%s: %w", account, asset, err)
	}
	return nil
}

// Balance returns account's holding of asset. Unknown pairs hold zero.
func (s *Store) Balance(ctx context.Context, account, asset string) (uint64, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE account = ? AND asset = ?`, account, asset,
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance %s/%s: %w", account, asset, err)
	}
	return uint64(amount), nil
}

// WatchBalance polls the balance and calls fn from a single goroutine each
// time it differs from the last value seen. The value at the time of the
// call is the baseline and is not reported.
func (s *Store) WatchBalance(account, asset string, fn func(uint64)) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	last, err := s.Balance(ctx, account, asset)
	if err != nil {
		s.logger.Warn("balance baseline failed", "account", account, "asset", asset, "error", err)
	}

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

			cur, err := s.Balance(ctx, account, asset)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("balance poll failed", "account", account, "asset", asset, "error", err)
				}
				continue
			}
			if cur != last {
				last = cur
				fn(cur)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
