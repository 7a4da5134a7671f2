package kv

import (
	"context"
	"log/slog"
	"sync"

	"urlstore/pkg/readiness"
	"urlstore/storage"
)

// Store provides a keyed JSON value API over a storage.Engine.
//
// New starts schema preparation in the background. Every operation except
// Close waits for it; if it failed, the operation returns the stored
// *InitError without touching the engine. Preparation never runs twice.
type Store struct {
	engine storage.Engine
	gate   *readiness.Gate
	logger *slog.Logger

	checkThenWrite bool

	cancelInit context.CancelFunc
	initDone   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCheckThenWrite makes Save look the key up first and then update or
// insert, instead of issuing a single upsert. Two concurrent first saves of
// one key can then race, and the loser gets storage.ErrDuplicateKey.
func WithCheckThenWrite() Option {
	return func(s *Store) { s.checkThenWrite = true }
}

// New returns a store that exclusively owns engine and begins preparing
// its table. Call Close to release the engine.
func New(engine storage.Engine, opts ...Option) *Store {
	s := &Store{
		engine:   engine,
		gate:     readiness.New(),
		logger:   slog.Default(),
		initDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "kv", "table", engine.Schema().Table)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelInit = cancel
	s.gate.Start()
	go s.initialize(ctx)

	return s
}

func (s *Store) initialize(ctx context.Context) {
	defer close(s.initDone)

	var outcome error
	if err := prepareSchema(ctx, s.engine, s.logger); err != nil {
		outcome = &InitError{Table: s.engine.Schema().Table, Err: err}
		s.logger.Error("store initialization failed", "error", err)
	}
	_ = s.gate.Resolve(outcome)
}

// Ready blocks until initialization has finished and returns its outcome.
func (s *Store) Ready(ctx context.Context) error {
	return s.gate.Wait(ctx)
}

// State reports where initialization stands.
func (s *Store) State() readiness.State {
	return s.gate.State()
}

// Close stops an unfinished initialization, waits for it to return and
// releases the engine. It does not wait for readiness and is safe in any
// state. Later calls return the first result.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.cancelInit()
		<-s.initDone
		s.closeErr = s.engine.Destroy(ctx)
		if s.closeErr != nil {
			s.logger.Warn("closing engine failed", "error", s.closeErr)
			return
		}
		s.logger.Debug("store closed", "state", s.gate.State())
	})
	return s.closeErr
}
