package reproduce

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/waves-tools/go-reproduce/business/domain/replay"
	"github.com/waves-tools/go-reproduce/business/domain/syncer"
	"github.com/waves-tools/go-reproduce/entities"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the local copy of one account.
type Store interface {
	syncer.AccountStore
	replay.Source
}

type Opener func(account string) (Store, error)

// Reproducer keeps a primary account and its dependencies in sync and replays their
// combined history.
type Reproducer struct {
	accounts []string
	open     Opener
	syncer   *syncer.Engine
	replayer *replay.Engine
	logger   *zap.SugaredLogger

	mutex   sync.Mutex
	started bool
	state   *replay.Projection
}

func New(open Opener, syncEngine *syncer.Engine, replayer *replay.Engine, logger *zap.SugaredLogger, primary string, dependencies ...string) *Reproducer {
	r := &Reproducer{
		accounts: []string{primary},
		open:     open,
		syncer:   syncEngine,
		replayer: replayer,
		logger:   logger,
	}
	for _, dependency := range dependencies {
		_ = r.AddDependency(dependency)
	}
	return r
}

// AddDependency tracks another account. Known accounts are ignored.
func (r *Reproducer) AddDependency(account string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.started {
		return errors.Wrapf(entities.ErrAccountsFixed, "adding [%s]", account)
	}
	if !slices.Contains(r.accounts, account) {
		r.accounts = append(r.accounts, account)
	}
	return nil
}

func (r *Reproducer) Accounts() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return slices.Clone(r.accounts)
}

func (r *Reproducer) start() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.started = true
	return slices.Clone(r.accounts)
}

// Update syncs the accounts one after another.
func (r *Reproducer) Update(ctx context.Context) error {
	accounts := r.start()
	for _, account := range accounts {
		if err := r.update(ctx, account); err != nil {
			return err
		}
	}
	r.logger.Infow("Updated accounts", "accounts", len(accounts))
	return nil
}

// UpdateParallel syncs up to workers accounts at the same time. Every account store is
// written by one goroutine only. With a single worker it is the same as Update.
func (r *Reproducer) UpdateParallel(ctx context.Context, workers int) error {
	if workers <= 1 {
		return r.Update(ctx)
	}
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for _, account := range r.start() {
		group.Go(func() error {
			return r.update(ctx, account)
		})
	}
	return group.Wait()
}

func (r *Reproducer) update(ctx context.Context, account string) error {
	store, err := r.open(account)
	if err != nil {
		return errors.Wrapf(err, "opening store of [%s]", account)
	}
	return r.syncer.Sync(ctx, account, store)
}

// Replay runs the handlers over the stored history from the given position on. The resulting
// data storage is available through State.
func (r *Reproducer) Replay(ctx context.Context, handlers *replay.Handlers, height, index uint32) error {
	accounts := make([]replay.Account, 0)
	for _, account := range r.start() {
		store, err := r.open(account)
		if err != nil {
			return errors.Wrapf(err, "opening store of [%s]", account)
		}
		accounts = append(accounts, replay.Account{Address: account, Source: store})
	}

	state, err := r.replayer.Run(ctx, accounts, handlers, height, index)
	r.mutex.Lock()
	r.state = state
	r.mutex.Unlock()
	return err
}

// State returns the data storage built by the last replay, nil before the first one.
func (r *Reproducer) State() *replay.Projection {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state
}

// Stop ends a running replay before its next transaction.
func (r *Reproducer) Stop() {
	r.replayer.Stop()
}
