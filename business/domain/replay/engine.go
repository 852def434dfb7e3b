package replay

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/waves-tools/go-reproduce/entities"
	"github.com/waves-tools/go-reproduce/infrastructure/codec"
	"github.com/waves-tools/go-reproduce/metrics"
	"go.uber.org/zap"
)

type Source interface {
	Scan(from entities.OrderKey) (entities.RecordCursor, error)
	Checkpoint() (entities.OrderKey, bool, error)
	Height() (uint32, error)
}

type Account struct {
	Address string
	Source  Source
}

// Engine replays the stored transactions of several accounts in chain order.
type Engine struct {
	lock    sync.Mutex
	active  map[*replayRun]struct{}
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewEngine(logger *zap.SugaredLogger, metrics *metrics.Metrics) *Engine {
	return &Engine{
		active:  make(map[*replayRun]struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

// Stop ends the running replays before their next transaction. Replays started
// afterwards are not affected.
func (e *Engine) Stop() {
	e.lock.Lock()
	defer e.lock.Unlock()
	for run := range e.active {
		run.stop()
	}
}

func (e *Engine) register(run *replayRun) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.active[run] = struct{}{}
}

func (e *Engine) unregister(run *replayRun) {
	e.lock.Lock()
	defer e.lock.Unlock()
	delete(e.active, run)
}

type head struct {
	cursor entities.RecordCursor
	record entities.Record
	ok     bool
}

func (h *head) advance() error {
	record, ok, err := h.cursor.Next()
	if err != nil {
		return err
	}
	h.record, h.ok = record, ok
	return nil
}

// Run replays all transactions from the given height and in-block index on and returns the
// resulting data storage of the accounts.
func (e *Engine) Run(ctx context.Context, accounts []Account, handlers *Handlers, height, index uint32) (*Projection, error) {
	addresses := make([]string, 0, len(accounts))
	for _, account := range accounts {
		if err := checkSynced(account); err != nil {
			return nil, err
		}
		addresses = append(addresses, account.Address)
	}

	from := entities.NewOrderKey(max(height, 1), index)
	heads := make([]*head, 0, len(accounts))
	defer func() {
		for _, h := range heads {
			if err := h.cursor.Close(); err != nil {
				e.logger.Errorw("closing cursor", "error", err)
			}
		}
	}()
	for _, account := range accounts {
		cursor, err := account.Source.Scan(from)
		if err != nil {
			return nil, errors.Wrapf(err, "scanning account [%s]", account.Address)
		}
		h := &head{cursor: cursor}
		heads = append(heads, h)
		if err := h.advance(); err != nil {
			return nil, errors.Wrapf(err, "reading account [%s]", account.Address)
		}
	}

	run := &replayRun{
		engine:     e,
		handlers:   handlers,
		projection: NewProjection(addresses),
	}
	e.register(run)
	defer e.unregister(run)
	e.logger.Infow("Starting replay", "accounts", addresses, "from", from)

	var dispatched int
	for !run.stopped.Load() {
		if err := ctx.Err(); err != nil {
			return run.projection, err
		}

		next := -1
		for i, h := range heads {
			if h.ok && (next < 0 || h.record.Key < heads[next].record.Key) {
				next = i
			}
		}
		if next < 0 {
			break
		}

		record := heads[next].record
		// a transaction between two tracked accounts is stored in both
		for i, h := range heads {
			if h.ok && h.record.Key == record.Key {
				if err := h.advance(); err != nil {
					return run.projection, errors.Wrapf(err, "reading account [%s]", accounts[i].Address)
				}
			}
		}

		tx, err := codec.DecodeTransaction(record)
		if err != nil {
			return run.projection, err
		}
		ok, err := run.dispatch(tx)
		if err != nil {
			return run.projection, errors.Wrapf(err, "replaying transaction [%s]", tx.ID)
		}
		if ok {
			dispatched++
		}
	}

	e.logger.Infow("Finished replay", "dispatched", dispatched, "stopped", run.stopped.Load())
	return run.projection, nil
}

func checkSynced(account Account) error {
	_, complete, err := account.Source.Checkpoint()
	if errors.Is(err, entities.ErrStoreEntityNotFound) || (err == nil && !complete) {
		return errors.Wrapf(entities.ErrNotSynced, "account [%s]", account.Address)
	}
	if err != nil {
		return errors.Wrapf(err, "getting checkpoint of [%s]", account.Address)
	}
	_, err = account.Source.Height()
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return errors.Wrapf(entities.ErrNotSynced, "account [%s] without height", account.Address)
	}
	if err != nil {
		return errors.Wrapf(err, "getting height of [%s]", account.Address)
	}
	return nil
}

type replayRun struct {
	engine     *Engine
	handlers   *Handlers
	projection *Projection
	stopped    atomic.Bool
}

func (r *replayRun) stop() {
	r.stopped.Store(true)
}

// dispatch reports whether any handler was responsible for the transaction.
func (r *replayRun) dispatch(tx *entities.Transaction) (bool, error) {
	if tx.ApplicationStatus != entities.StatusSucceeded {
		return false, nil
	}

	txType := tx.Type
	var invocation *entities.Invocation
	if txType == entities.TypeEthereum && tx.Payload != nil && tx.Payload.Type == "invocation" && r.handlers.handles(entities.TypeInvoke) {
		txType = entities.TypeInvoke
		invocation = tx.Payload
	}
	if !r.handlers.handles(txType) {
		return false, nil
	}
	r.engine.metrics.IncDispatched(txType, tx.Key.Height())

	switch txType {
	case entities.TypeInvoke:
		if invocation == nil {
			invocation = tx.Invocation()
		}
		return true, r.invoke(tx, []entities.Invocation{*invocation}, tx.Sender, tx.Sender)
	case entities.TypeData:
		r.fire(tx, nil, r.handlers.transactionHandlers(txType, tx.Sender))
		return true, r.projection.Apply(tx.Sender, tx.Data)
	default:
		r.fire(tx, nil, r.handlers.transactionHandlers(txType, tx.Sender))
		return true, nil
	}
}

// invoke handles nested calls before the call itself so that their effects are visible to
// the handlers of the outer call.
func (r *replayRun) invoke(tx *entities.Transaction, invocations []entities.Invocation, caller, originCaller string) error {
	for i := range invocations {
		invocation := invocations[i]
		invocation.Caller = caller
		invocation.OriginCaller = originCaller

		if invocation.StateChanges != nil && len(invocation.StateChanges.Invokes) > 0 {
			if err := r.invoke(tx, invocation.StateChanges.Invokes, invocation.DApp, originCaller); err != nil {
				return err
			}
		}

		r.fire(tx, &invocation, r.handlers.invocationHandlers(invocation.DApp, invocation.Function()))

		if invocation.StateChanges != nil {
			if err := r.projection.Apply(invocation.DApp, invocation.StateChanges.Data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *replayRun) fire(tx *entities.Transaction, invocation *entities.Invocation, handlers []Handler) {
	if len(handlers) == 0 {
		return
	}
	d := &Dispatch{
		Tx:         tx,
		Invocation: invocation,
		State:      r.projection,
		stop:       r.stop,
	}
	for _, fn := range handlers {
		fn(d)
	}
}
