package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/ledgerline/internal/ledger"
)

var _ ledger.PendingSource = (*Store)(nil)

// AddPending records a message the send path just submitted.
// Uses ON CONFLICT(id) DO NOTHING: re-adding an id keeps the first entry.
func (s *Store) AddPending(ctx context.Context, p ledger.PendingMessage) error {
	sigs, err := marshalSignatures(p.Signatures)
	if err != nil {
		return fmt.Errorf("add pending %s: %w", p.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_messages
		(id, channel, type, sender, reply_to, content, signatures, created_at, provisional_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		p.ID,
		p.Channel,
		p.Type,
		p.Sender,
		p.ReplyTo,
		string(p.Content),
		sigs,
		toMillis(p.CreatedAt),
		toMillis(p.ProvisionalTime),
	)
	if err != nil {
		return fmt.Errorf("add pending %s: %w", p.ID, err)
	}
	return nil
}

// Pending returns the channel's pending messages in submission order.
// Returns an empty slice (not nil) if there are none.
func (s *Store) Pending(ctx context.Context, channel string) ([]ledger.PendingMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, type, sender, reply_to, content, signatures, created_at, provisional_time
		FROM pending_messages
		WHERE channel = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, channel)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	out := []ledger.PendingMessage{}
	for rows.Next() {
		var (
			p           ledger.PendingMessage
			content     string
			sigs        string
			created     int64
			provisional int64
		)
		if err := rows.Scan(&p.ID, &p.Channel, &p.Type, &p.Sender, &p.ReplyTo, &content, &sigs, &created, &provisional); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		p.Content = []byte(content)
		p.CreatedAt = fromMillis(created)
		p.ProvisionalTime = fromMillis(provisional)
		if p.Signatures, err = unmarshalSignatures(sigs); err != nil {
			return nil, fmt.Errorf("scan pending %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return out, nil
}

// RemovePending deletes pending messages by id and returns how many existed.
// The send path calls this for superseded and rejected entries.
func (s *Store) RemovePending(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_messages WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("remove pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("remove pending: %w", err)
	}
	return n, nil
}
