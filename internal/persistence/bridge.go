// Package persistence loads documents from and saves them to the external content store.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/storage"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultAttemptTimeout = 10 * time.Second
)

var (
	// ErrLoad indicates the document could not be loaded; the join must fail.
	ErrLoad = errors.New("persistence: load failed")
	// ErrSave indicates the retry budget was exhausted without an acknowledged write.
	ErrSave = errors.New("persistence: save failed")

	errMissingStore = errors.New("persistence: content store required")
)

// Config configures a Bridge.
type Config struct {
	Store           storage.ContentStore
	Codec           Codec
	Logger          *zap.Logger
	MaxAttempts     uint
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	AttemptTimeout  time.Duration
	DocumentOptions []crdt.Option
}

// Bridge is the write-through link between resident documents and the content store.
type Bridge struct {
	store           storage.ContentStore
	codec           Codec
	logger          *zap.Logger
	maxAttempts     uint
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	attemptTimeout  time.Duration
	documentOptions []crdt.Option
}

// NewBridge validates the configuration and applies defaults.
func NewBridge(cfg Config) (*Bridge, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	bridge := &Bridge{
		store:           cfg.Store,
		codec:           cfg.Codec,
		logger:          cfg.Logger,
		maxAttempts:     cfg.MaxAttempts,
		initialBackoff:  cfg.InitialBackoff,
		maxBackoff:      cfg.MaxBackoff,
		attemptTimeout:  cfg.AttemptTimeout,
		documentOptions: cfg.DocumentOptions,
	}
	if bridge.codec == nil {
		bridge.codec = JSONCodec{}
	}
	if bridge.logger == nil {
		bridge.logger = zap.NewNop()
	}
	if bridge.maxAttempts == 0 {
		bridge.maxAttempts = defaultMaxAttempts
	}
	if bridge.initialBackoff <= 0 {
		bridge.initialBackoff = defaultInitialBackoff
	}
	if bridge.maxBackoff < bridge.initialBackoff {
		bridge.maxBackoff = defaultMaxBackoff
		if bridge.maxBackoff < bridge.initialBackoff {
			bridge.maxBackoff = bridge.initialBackoff
		}
	}
	if bridge.attemptTimeout <= 0 {
		bridge.attemptTimeout = defaultAttemptTimeout
	}
	return bridge, nil
}

// Load returns the stored document, or a fresh empty document when the store has none.
// Any other failure is ErrLoad so callers never substitute an empty document for an outage.
func (b *Bridge) Load(ctx context.Context, documentID crdt.DocumentID) (*crdt.Document, error) {
	content, err := b.store.Fetch(ctx, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		b.logger.Debug("document not found; starting empty", zap.String("document_id", documentID.String()))
		return crdt.NewDocument(b.documentOptions...), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrLoad, documentID, err)
	}

	snapshot, err := b.codec.Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrLoad, documentID, err)
	}
	document, err := crdt.Restore(snapshot, b.documentOptions...)
	if err != nil {
		return nil, fmt.Errorf("%w: restore %s: %v", ErrLoad, documentID, err)
	}
	return document, nil
}

// Save renders the checkpoint and writes it, retrying with exponential backoff up to the
// configured number of attempts.
func (b *Bridge) Save(ctx context.Context, checkpoint Checkpoint, credentials storage.Credentials) error {
	content, err := b.codec.Render(checkpoint)
	if err != nil {
		return fmt.Errorf("%w: render %s: %v", ErrSave, checkpoint.DocumentID, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.initialBackoff
	policy.MaxInterval = b.maxBackoff

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		attemptContext, cancel := context.WithTimeout(ctx, b.attemptTimeout)
		defer cancel()
		return struct{}{}, b.store.Store(attemptContext, checkpoint.DocumentID, content, credentials)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(b.maxAttempts),
		backoff.WithNotify(func(err error, delay time.Duration) {
			b.logger.Warn("document save attempt failed",
				zap.String("document_id", checkpoint.DocumentID.String()),
				zap.Uint64("version", checkpoint.Version),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: %s after %d attempts: %v", ErrSave, checkpoint.DocumentID, attempt, err)
	}
	return nil
}
