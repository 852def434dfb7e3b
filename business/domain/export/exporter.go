package export

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/waves-tools/go-reproduce/business/domain/replay"
	"github.com/waves-tools/go-reproduce/entities"
	"go.uber.org/zap"
)

type EventPublisher interface {
	PublishEvents(ctx context.Context, events []entities.ReplayEvent) error
}

type ProjectionIndexer interface {
	IndexProjection(ctx context.Context, account string, state map[string]any) error
}

// Exporter forwards replayed transactions to an event stream and the resulting data storage
// to a search index. Either sink may be nil.
type Exporter struct {
	publisher    EventPublisher
	indexer      ProjectionIndexer
	batchSize    int
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	buffer []entities.ReplayEvent
	// first publishing error, replay handlers cannot return one
	err error
	// key of the last published event and its value when the current replay started
	published uint64
	floor     uint64
}

func NewExporter(publisher EventPublisher, indexer ProjectionIndexer, batchSize int, writeTimeout time.Duration, logger *zap.SugaredLogger) *Exporter {
	return &Exporter{
		publisher:    publisher,
		indexer:      indexer,
		batchSize:    max(batchSize, 1),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Handlers registers a buffering handler for any transaction of the given types. Invoke
// script transactions export every invocation of their call tree. Transactions published
// during an earlier replay are not published again.
func (e *Exporter) Handlers(ctx context.Context, handlers *replay.Handlers, txTypes ...int) *replay.Handlers {
	e.floor = e.published
	e.err = nil
	e.buffer = e.buffer[:0]

	fn := func(d *replay.Dispatch) {
		e.collect(ctx, d)
	}
	for _, txType := range txTypes {
		if txType == entities.TypeInvoke {
			handlers.HandleInvoke(replay.Wildcard, replay.Wildcard, fn)
			continue
		}
		handlers.Handle(txType, replay.Wildcard, fn)
	}
	return handlers
}

func (e *Exporter) collect(ctx context.Context, d *replay.Dispatch) {
	if e.publisher == nil || e.err != nil {
		return
	}
	event := d.Event()
	if event.Key <= e.floor {
		return
	}
	e.buffer = append(e.buffer, event)
	if len(e.buffer) < e.batchSize {
		return
	}
	if err := e.Flush(ctx); err != nil {
		e.logger.Errorw("Error publishing replay events", "error", err)
		d.Stop()
	}
}

// Flush publishes the buffered events. After a failure it keeps returning that error until the
// next replay registers its handlers.
func (e *Exporter) Flush(ctx context.Context) error {
	if e.err != nil {
		return e.err
	}
	if e.publisher == nil || len(e.buffer) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()
	if err := e.publisher.PublishEvents(ctx, e.buffer); err != nil {
		e.err = errors.Wrapf(err, "publishing [%d] events", len(e.buffer))
		return e.err
	}
	e.logger.Debugw("Published replay events", "count", len(e.buffer))
	e.published = e.buffer[len(e.buffer)-1].Key
	e.buffer = e.buffer[:0]
	return nil
}

// ExportProjection indexes the data storage of every tracked account.
func (e *Exporter) ExportProjection(ctx context.Context, state *replay.Projection) error {
	if e.indexer == nil || state == nil {
		return nil
	}
	for _, account := range state.Accounts() {
		ctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
		err := e.indexer.IndexProjection(ctx, account, state.Account(account))
		cancel()
		if err != nil {
			return errors.Wrapf(err, "indexing data of [%s]", account)
		}
	}
	return nil
}
