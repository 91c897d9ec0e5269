// Package overboard maintains the cross-board thread list.
//
// Every new thread and every bumping reply passes through Reaggregate, which
// keeps the overboard set at its configured size and asks the generation
// queue to rebuild the default pages the overboard is rendered on.
package overboard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"sitegen/internal/genqueue"
	logx "sitegen/pkg/logx"
)

var (
	ErrDisabled = errors.New("overboard: disabled")
	ErrInvalid  = errors.New("overboard: invalid bump")
)

// Store is the overboard side of the data store.
type Store interface {
	OverboardContains(ctx context.Context, board string, thread int64) (bool, error)
	OverboardInsert(ctx context.Context, board string, thread int64) error
	OverboardPrune(ctx context.Context, size int) (int, error)
}

// Submitter hands rebuild requests to the generation queue.
type Submitter interface {
	Submit(ctx context.Context, r genqueue.Request) (genqueue.Decision, error)
}

// Result describes what Reaggregate did.
type Result struct {
	Inserted bool `json:"inserted"`
	Pruned   int  `json:"pruned"`
	// Queued is false when the bump did not touch the overboard.
	Queued   bool   `json:"queued"`
	Decision string `json:"decision,omitempty"`
}

type Config struct {
	Enabled bool
	Size    int
}

type Service struct {
	store Store
	queue Submitter
	log   logx.Logger

	enabled atomic.Bool
	size    atomic.Int64
}

func New(cfg Config, store Store, queue Submitter, log logx.Logger) *Service {
	s := &Service{store: store, queue: queue, log: log.With(logx.String("comp", "overboard"))}
	s.Apply(cfg)
	return s
}

// Apply updates the size and enabled flag. It takes effect on the next bump.
func (s *Service) Apply(cfg Config) {
	if cfg.Size <= 0 {
		cfg.Size = 100
	}
	s.enabled.Store(cfg.Enabled)
	s.size.Store(int64(cfg.Size))
}

func (s *Service) Enabled() bool { return s.enabled.Load() }
func (s *Service) Size() int     { return int(s.size.Load()) }

// Reaggregate folds one bump into the overboard set.
//
// A new thread is always inserted. A reply to a thread already listed only
// queues a rebuild. A bumping reply to an unlisted thread inserts it; a
// non-bumping one is ignored. After an insert the set is pruned back to
// size, least recently bumped first.
func (s *Service) Reaggregate(ctx context.Context, b Bump) (Result, error) {
	var res Result
	if !s.Enabled() {
		return res, ErrDisabled
	}
	if err := b.Validate(); err != nil {
		return res, err
	}

	if b.Post != 0 {
		listed, err := s.store.OverboardContains(ctx, b.Board, b.Thread)
		if err != nil {
			return res, fmt.Errorf("overboard lookup %s/%d: %w", b.Board, b.Thread, err)
		}
		if listed {
			return s.queueRebuild(ctx, res)
		}
		if !b.Bump {
			return res, nil
		}
	}

	if err := s.store.OverboardInsert(ctx, b.Board, b.Thread); err != nil {
		return res, fmt.Errorf("overboard insert %s/%d: %w", b.Board, b.Thread, err)
	}
	res.Inserted = true

	n, err := s.store.OverboardPrune(ctx, s.Size())
	if err != nil {
		return res, fmt.Errorf("overboard prune: %w", err)
	}
	res.Pruned = n
	if n > 0 {
		s.log.Debug("overboard pruned", logx.Int("removed", n), logx.Int("size", s.Size()))
	}
	return s.queueRebuild(ctx, res)
}

func (s *Service) queueRebuild(ctx context.Context, res Result) (Result, error) {
	d, err := s.queue.Submit(ctx, genqueue.DefaultPages())
	if err != nil {
		return res, fmt.Errorf("queue overboard rebuild: %w", err)
	}
	res.Queued = true
	res.Decision = d.String()
	return res, nil
}
