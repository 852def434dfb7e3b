package syncer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/waves-tools/go-reproduce/entities"
	"github.com/waves-tools/go-reproduce/infrastructure/codec"
	"github.com/waves-tools/go-reproduce/metrics"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize   = 100
	DefaultStability   = 10
	DefaultMaxRestarts = 10
)

type Gateway interface {
	FetchBatch(ctx context.Context, account string, limit int, after string) ([]entities.FetchedTx, error)
	FetchByID(ctx context.Context, id string) (entities.FetchedTx, bool, error)
	CurrentHeight(ctx context.Context) (uint32, error)
}

type AccountStore interface {
	BackfillCursor() (string, bool, error)
	Append(records []entities.Record, cursor string) error
	CompleteBackfill() error
	Checkpoint() (entities.OrderKey, bool, error)
	SetCheckpoint(key entities.OrderKey) error
	CompleteUpdate(height uint32) error
	Height() (uint32, error)
	GetByID(id string) (entities.Record, error)
	Highest() (entities.Record, error)
	Merge(records []entities.Record) error
	DeleteAfter(key entities.OrderKey) error
	DeleteFrom(key entities.OrderKey) error
	DeleteAll() error
}

type Config struct {
	BatchSize int
	// Stability is the number of blocks after which a transaction is considered final.
	Stability   uint32
	MaxRestarts int
}

type outcome int

const (
	done outcome = iota
	restart
)

// point identifies a transaction at its position on chain.
type point struct {
	key         entities.OrderKey
	fingerprint string
}

func pointOf(tx entities.FetchedTx) *point {
	return &point{key: tx.Key, fingerprint: tx.Fingerprint}
}

func (p *point) equal(other *point) bool {
	if p == nil || other == nil {
		return p == other
	}
	return *p == *other
}

// Engine keeps the local copy of an account history consistent with the chain.
type Engine struct {
	gateway     Gateway
	batchSize   int
	stability   uint32
	maxRestarts int
	logger      *zap.SugaredLogger
	metrics     *metrics.Metrics
}

func NewEngine(gateway Gateway, cfg Config, logger *zap.SugaredLogger, metrics *metrics.Metrics) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	return &Engine{
		gateway:     gateway,
		batchSize:   cfg.BatchSize,
		stability:   cfg.Stability,
		maxRestarts: cfg.MaxRestarts,
		logger:      logger,
		metrics:     metrics,
	}
}

// Sync brings the store of the account up to date. Passes that detect a moving chain are
// restarted up to the configured limit.
func (e *Engine) Sync(ctx context.Context, account string, store AccountStore) error {
	for restarts := 0; ; restarts++ {
		result, err := e.syncOnce(ctx, account, store)
		if err != nil {
			e.metrics.IncFailures(account)
			return errors.Wrapf(err, "syncing account [%s]", account)
		}
		if result == done {
			return nil
		}
		if restarts >= e.maxRestarts {
			e.metrics.IncFailures(account)
			return errors.Wrapf(entities.ErrPersistentDivergence, "account [%s] after [%d] restarts", account, restarts)
		}
		e.metrics.IncRestarts(account)
		e.logger.Warnw("Restarting account sync", "account", account, "restart", restarts+1)
	}
}

func (e *Engine) syncOnce(ctx context.Context, account string, store AccountStore) (outcome, error) {
	started := time.Now()

	if err := e.backfill(ctx, account, store); err != nil {
		return done, errors.Wrap(err, "backfilling")
	}

	e.logger.Infow("Updating account", "account", account)
	checkpoint, complete, err := store.Checkpoint()
	if err != nil {
		return done, errors.Wrap(err, "getting checkpoint")
	}
	if !complete {
		e.logger.Infow("Clearing unfinished update", "account", account, "checkpoint", checkpoint)
		if err := store.DeleteAfter(checkpoint); err != nil {
			return done, errors.Wrap(err, "clearing unfinished update")
		}
	}

	highest, err := store.Highest()
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return e.syncEmpty(ctx, account, store)
	}
	if err != nil {
		return done, errors.Wrap(err, "getting highest record")
	}

	var stable *point
	if complete {
		final, candidate, err := e.checkTip(ctx, account, store, highest)
		if err != nil {
			return done, errors.Wrap(err, "checking tip")
		}
		if final {
			e.logger.Infow("Account is up to date", "account", account, "duration", time.Since(started))
			return done, nil
		}
		stable = candidate
	}

	resume := highest
	var prepend *entities.FetchedTx
	if stable == nil {
		var found bool
		resume, prepend, found, err = e.findResumePoint(ctx, account, store, highest)
		if err != nil {
			return done, errors.Wrap(err, "finding resume point")
		}
		if !found {
			e.logger.Errorw("No stored transaction is on chain anymore, starting over", "account", account)
			return restart, store.DeleteAll()
		}
	}

	height, err := e.gateway.CurrentHeight(ctx)
	if err != nil {
		return done, errors.Wrap(err, "getting current height")
	}
	e.metrics.SetSourceHeight(height)
	if err := store.SetCheckpoint(resume.Key); err != nil {
		return done, errors.Wrap(err, "setting checkpoint")
	}

	stable, finish, err := e.findStable(ctx, account, store, resume.ID, prepend, stable)
	if err != nil {
		return done, errors.Wrap(err, "finding stable transaction")
	}
	if stable == nil {
		e.logger.Errorw("Stable transaction not found, starting over", "account", account)
		if err := store.DeleteAll(); err != nil {
			return done, errors.Wrap(err, "deleting all records")
		}
		return restart, nil
	}

	result, err := e.verify(ctx, account, store, stable, finish)
	if err != nil {
		return done, errors.Wrap(err, "verifying")
	}
	if result == restart {
		return restart, nil
	}

	if err := store.CompleteUpdate(height); err != nil {
		return done, errors.Wrap(err, "completing update")
	}
	e.metrics.SetSyncedHeight(account, height)
	e.logger.Infow("Updated account", "account", account, "height", height, "duration", time.Since(started))
	return done, nil
}

// backfill downloads the full history on the first run. It resumes after the last appended
// batch when interrupted.
func (e *Engine) backfill(ctx context.Context, account string, store AccountStore) error {
	cursor, complete, err := store.BackfillCursor()
	if err != nil && !errors.Is(err, entities.ErrStoreEntityNotFound) {
		return errors.Wrap(err, "getting backfill cursor")
	}
	if complete {
		return nil
	}
	if cursor != "" {
		e.logger.Infow("Resuming first run", "account", account, "after", cursor)
	} else {
		e.logger.Infow("Starting first run", "account", account)
	}

	for {
		batch, err := e.gateway.FetchBatch(ctx, account, e.batchSize, cursor)
		if err != nil {
			return errors.Wrap(err, "fetching batch")
		}
		if len(batch) == 0 {
			break
		}

		records, err := codec.EncodeAll(batch)
		if err != nil {
			return errors.Wrap(err, "encoding batch")
		}
		last := batch[len(batch)-1]
		if err := store.Append(records, last.ID); err != nil {
			return errors.Wrap(err, "appending batch")
		}
		e.metrics.AddStoredTransactions(account, len(records))
		e.logger.Infow("Appended transactions", "account", account, "count", len(records), "time", time.UnixMilli(last.Timestamp).UTC().Format(time.DateTime))

		if len(batch) < e.batchSize {
			break
		}
		cursor = last.ID
	}

	if err := store.CompleteBackfill(); err != nil {
		return errors.Wrap(err, "completing backfill")
	}
	e.logger.Infow("First run done", "account", account)
	return nil
}

func (e *Engine) syncEmpty(ctx context.Context, account string, store AccountStore) (outcome, error) {
	latest, err := e.gateway.FetchBatch(ctx, account, 1, "")
	if err != nil {
		return done, errors.Wrap(err, "fetching latest transaction")
	}
	if len(latest) > 0 {
		e.logger.Warnw("Store is empty but account has transactions, starting over", "account", account)
		if err := store.DeleteAll(); err != nil {
			return done, errors.Wrap(err, "deleting all records")
		}
		return restart, nil
	}

	height, err := e.gateway.CurrentHeight(ctx)
	if err != nil {
		return done, errors.Wrap(err, "getting current height")
	}
	if err := store.CompleteUpdate(height); err != nil {
		return done, errors.Wrap(err, "completing update")
	}
	e.metrics.SetSyncedHeight(account, height)
	return done, nil
}

// checkTip compares the newest transaction on chain with the newest stored one. The store is
// final if both are equal and the transaction was already deep enough at the last update.
// Equal but not yet deep enough, the stored record is returned as stable candidate.
func (e *Engine) checkTip(ctx context.Context, account string, store AccountStore, highest entities.Record) (bool, *point, error) {
	latest, err := e.gateway.FetchBatch(ctx, account, 1, "")
	if err != nil {
		return false, nil, errors.Wrap(err, "fetching latest transaction")
	}
	if len(latest) == 0 || !highest.Matches(latest[0]) {
		return false, nil, nil
	}
	tx := latest[0]

	synced, err := store.Height()
	if err != nil && !errors.Is(err, entities.ErrStoreEntityNotFound) {
		return false, nil, errors.Wrap(err, "getting synced height")
	}
	if err == nil && synced >= tx.Height && synced-tx.Height >= e.stability {
		height, err := e.gateway.CurrentHeight(ctx)
		if err != nil {
			return false, nil, errors.Wrap(err, "getting current height")
		}
		e.metrics.SetSourceHeight(height)
		if err := store.CompleteUpdate(height); err != nil {
			return false, nil, errors.Wrap(err, "completing update")
		}
		e.metrics.SetSyncedHeight(account, height)
		return true, nil, nil
	}

	return false, pointOf(tx), nil
}

// findResumePoint walks back from the newest stored record and rolls back every record that
// is not on chain anymore. found is false when no stored record survived.
func (e *Engine) findResumePoint(ctx context.Context, account string, store AccountStore, highest entities.Record) (entities.Record, *entities.FetchedTx, bool, error) {
	for {
		fetched, found, err := e.gateway.FetchByID(ctx, highest.ID)
		if err != nil {
			return entities.Record{}, nil, false, errors.Wrapf(err, "fetching transaction [%s]", highest.ID)
		}
		if found {
			return highest, &fetched, true, nil
		}

		e.logger.Warnw("Rolling back orphaned transaction", "account", account, "id", highest.ID, "key", highest.Key)
		e.metrics.IncRollbacks(account)
		if err := store.DeleteFrom(highest.Key); err != nil {
			return entities.Record{}, nil, false, errors.Wrapf(err, "deleting from [%s]", highest.Key)
		}

		highest, err = store.Highest()
		if errors.Is(err, entities.ErrStoreEntityNotFound) {
			return entities.Record{}, nil, false, nil
		}
		if err != nil {
			return entities.Record{}, nil, false, errors.Wrap(err, "getting highest record")
		}
	}
}

// findStable scans from the resume point toward genesis for the newest stored transaction that
// is still on chain unchanged (stable) and an older one at least the stability depth below it
// (finish). Records newer than the stable transaction are removed.
func (e *Engine) findStable(ctx context.Context, account string, store AccountStore, after string, prepend *entities.FetchedTx, stable *point) (*point, *point, error) {
	span := entities.HeightSpan(e.stability)

	for {
		batch, err := e.gateway.FetchBatch(ctx, account, e.batchSize, after)
		if err != nil {
			return nil, nil, errors.Wrap(err, "fetching batch")
		}
		txs := batch
		if prepend != nil {
			txs = append([]entities.FetchedTx{*prepend}, batch...)
			prepend = nil
		}
		if len(txs) == 0 {
			return stable, nil, nil
		}

		for _, tx := range txs {
			matches, err := e.matches(store, tx)
			if err != nil {
				return nil, nil, err
			}
			if !matches {
				stable = nil
				continue
			}
			if stable == nil {
				stable = pointOf(tx)
				if err := store.DeleteAfter(tx.Key); err != nil {
					return nil, nil, errors.Wrapf(err, "deleting after [%s]", tx.Key)
				}
			}
			if stable.key.Below(tx.Key, span) {
				return stable, pointOf(tx), nil
			}
		}

		if len(batch) < e.batchSize {
			return stable, nil, nil
		}
		after = batch[len(batch)-1].ID
		if stable == nil {
			e.logger.Warnw("Looking for stable transaction", "account", account, "after", after)
		}
	}
}

// verify rescans from the tip and stores every transaction newer than the stable one. The
// pass is restarted if the chain changed since findStable.
func (e *Engine) verify(ctx context.Context, account string, store AccountStore, stable, finish *point) (outcome, error) {
	span := entities.HeightSpan(e.stability)
	var stable2, finish2 *point
	after := ""

	for {
		batch, err := e.gateway.FetchBatch(ctx, account, e.batchSize, after)
		if err != nil {
			return done, errors.Wrap(err, "fetching batch")
		}
		if len(batch) == 0 {
			break
		}

		var fresh []entities.FetchedTx
		for _, tx := range batch {
			matches, err := e.matches(store, tx)
			if err != nil {
				return done, err
			}
			if !matches {
				if stable2 != nil {
					e.logger.Warnw("Found unstable transaction", "account", account, "id", tx.ID, "key", tx.Key)
					return restart, nil
				}
				fresh = append(fresh, tx)
				continue
			}
			if stable2 == nil {
				stable2 = pointOf(tx)
			}
			if stable2.key.Below(tx.Key, span) {
				finish2 = pointOf(tx)
				break
			}
		}

		if len(fresh) > 0 {
			records, err := codec.EncodeAll(fresh)
			if err != nil {
				return done, errors.Wrap(err, "encoding new transactions")
			}
			if err := store.Merge(records); err != nil {
				return done, errors.Wrap(err, "storing new transactions")
			}
			e.metrics.AddStoredTransactions(account, len(records))
			e.logger.Infow("Stored new transactions", "account", account, "count", len(records))
		}

		if finish2 != nil || len(batch) < e.batchSize {
			break
		}
		after = batch[len(batch)-1].ID
	}

	if !stable.equal(stable2) || !finish.equal(finish2) {
		e.logger.Warnw("Stable transactions moved", "account", account)
		return restart, nil
	}
	return done, nil
}

// matches reports whether the transaction is stored unchanged.
func (e *Engine) matches(store AccountStore, tx entities.FetchedTx) (bool, error) {
	record, err := store.GetByID(tx.ID)
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "getting record [%s]", tx.ID)
	}
	return record.Matches(tx), nil
}
