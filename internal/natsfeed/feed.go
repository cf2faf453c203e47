// Package natsfeed carries live ledger transactions over NATS JetStream.
//
// Each channel maps to the subject "<prefix>.<channel>" in a single stream.
// Publishers send JSON-encoded ledger.Transaction values; subscribers see
// only transactions published after they subscribe, which is the live half
// of a ledger.Source whose paging half is the archive.
package natsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/roach88/ledgerline/internal/ledger"
)

const (
	DefaultStream        = "LEDGERLINE"
	DefaultSubjectPrefix = "ledgerline.tx"

	// consumers left behind by a crashed subscriber are reaped after this
	inactiveThreshold = 5 * time.Minute
)

// ErrInvalidChannel is returned for channel ids that cannot be a single
// subject token.
var ErrInvalidChannel = errors.New("natsfeed: channel is not a valid subject token")

var _ ledger.Subscriber = (*Feed)(nil)

// Feed publishes and subscribes to channel transactions on JetStream.
type Feed struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	prefix string
	maxAge time.Duration
	logger *slog.Logger
	ownsNC bool
}

// Option configures a Feed.
type Option func(*Feed)

// WithStream sets the JetStream stream name.
func WithStream(name string) Option {
	return func(f *Feed) {
		if name != "" {
			f.stream = name
		}
	}
}

// WithSubjectPrefix sets the subject prefix that channel ids are appended to.
func WithSubjectPrefix(prefix string) Option {
	return func(f *Feed) {
		if prefix != "" {
			f.prefix = strings.TrimSuffix(prefix, ".")
		}
	}
}

// WithMaxAge bounds how long the stream retains transactions. Zero keeps
// them until the stream is purged.
func WithMaxAge(d time.Duration) Option {
	return func(f *Feed) { f.maxAge = d }
}

// WithLogger sets the logger for dropped or malformed messages.
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

// Connect dials the NATS server at url and prepares the stream. The
// returned feed owns the connection and closes it on Close.
func Connect(ctx context.Context, url string, opts ...Option) (*Feed, error) {
	nc, err := nats.Connect(url, nats.Name("ledgerline"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	f, err := New(ctx, nc, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	f.ownsNC = true
	return f, nil
}

// New prepares a feed on an existing connection, creating or updating the
// stream so it captures every channel subject.
func New(ctx context.Context, nc *nats.Conn, opts ...Option) (*Feed, error) {
	f := &Feed{
		nc:     nc,
		stream: DefaultStream,
		prefix: DefaultSubjectPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	f.js = js

	_, err = js.CreateOrUpdateStream(ctx, f.streamConfig())
	if err != nil {
		return nil, fmt.Errorf("create stream %q: %w", f.stream, err)
	}
	f.logger.Debug("jetstream stream ready", "stream", f.stream, "subjects", f.prefix+".*")
	return f, nil
}

func (f *Feed) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        f.stream,
		Description: "ledgerline channel transactions",
		Subjects:    []string{f.prefix + ".*"},
		MaxAge:      f.maxAge,
		Storage:     jetstream.FileStorage,
	}
}

// Subject returns the subject a channel's transactions travel on.
func (f *Feed) Subject(channel string) (string, error) {
	return subjectFor(f.prefix, channel)
}

func subjectFor(prefix, channel string) (string, error) {
	if channel == "" || strings.ContainsAny(channel, ".*> \t\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	return prefix + "." + channel, nil
}

// Publish sends a transaction to the channel's subject. Status updates are
// published as the same transaction with the new status.
func (f *Feed) Publish(ctx context.Context, channel string, tx ledger.Transaction) error {
	subject, err := f.Subject(channel)
	if err != nil {
		return err
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal transaction %s: %w", tx.Signature, err)
	}
	if _, err := f.js.Publish(ctx, subject, data); err != nil {
		return ledger.WrapTransport("publish", channel, err)
	}
	return nil
}

// SubscribeNew starts an ephemeral consumer that delivers transactions
// published from now on. fn is called from the NATS client's dispatch
// goroutine, one message at a time.
func (f *Feed) SubscribeNew(ctx context.Context, channel string, fn func(ledger.Transaction)) (ledger.Unsubscribe, error) {
	subject, err := f.Subject(channel)
	if err != nil {
		return nil, err
	}

	cons, err := f.js.CreateOrUpdateConsumer(ctx, f.stream, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: inactiveThreshold,
	})
	if err != nil {
		return nil, ledger.WrapTransport("subscribe", channel, err)
	}

	cc, err := cons.Consume(f.handler(channel, fn))
	if err != nil {
		return nil, ledger.WrapTransport("subscribe", channel, err)
	}
	f.logger.Debug("subscribed", "channel", channel, "subject", subject)

	var once sync.Once
	return func() {
		once.Do(cc.Stop)
	}, nil
}

// handler decodes each message and hands it to fn. Malformed messages and
// messages for another channel are logged and dropped.
func (f *Feed) handler(channel string, fn func(ledger.Transaction)) jetstream.MessageHandler {
	want, _ := subjectFor(f.prefix, channel)
	return func(msg jetstream.Msg) {
		if msg.Subject() != want {
			f.logger.Warn("dropping message for another subject", "channel", channel, "subject", msg.Subject())
			return
		}
		tx, err := decodeTransaction(msg.Data())
		if err != nil {
			f.logger.Warn("dropping malformed transaction", "channel", channel, "error", err)
			return
		}
		fn(tx)
	}
}

func decodeTransaction(data []byte) (ledger.Transaction, error) {
	var tx ledger.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return ledger.Transaction{}, fmt.Errorf("unmarshal transaction: %w", err)
	}
	if tx.Signature == "" {
		return ledger.Transaction{}, errors.New("transaction has no signature")
	}
	if tx.Status == "" {
		tx.Status = ledger.StatusConfirmed
	}
	if _, err := ledger.ParseStatus(string(tx.Status)); err != nil {
		return ledger.Transaction{}, err
	}
	return tx, nil
}

// Close drains the connection if the feed opened it.
func (f *Feed) Close() error {
	if !f.ownsNC || f.nc == nil {
		return nil
	}
	return f.nc.Drain()
}
