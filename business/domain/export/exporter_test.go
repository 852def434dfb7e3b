package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waves-tools/go-reproduce/business/domain/replay"
	"github.com/waves-tools/go-reproduce/entities"
	"github.com/waves-tools/go-reproduce/infrastructure/codec"
	"github.com/waves-tools/go-reproduce/infrastructure/store/pebbledb"
	"github.com/waves-tools/go-reproduce/metrics"
	"go.uber.org/zap"
)

var m = metrics.NewMetrics("test")

const account = "3PDApp"

type MockPublisher struct {
	batches     [][]entities.ReplayEvent
	shouldError bool
}

func (p *MockPublisher) PublishEvents(_ context.Context, events []entities.ReplayEvent) error {
	if p.shouldError {
		return errors.New("dummy error")
	}
	p.batches = append(p.batches, append([]entities.ReplayEvent(nil), events...))
	return nil
}

type MockIndexer struct {
	indexed map[string]map[string]any
}

func (i *MockIndexer) IndexProjection(_ context.Context, account string, state map[string]any) error {
	if i.indexed == nil {
		i.indexed = make(map[string]map[string]any)
	}
	i.indexed[account] = state
	return nil
}

const invoke = `{"id":"inv-2","type":16,"height":%d,"sender":"3PUser","applicationStatus":"succeeded",
  "dApp":"3PDApp","call":{"function":"deposit","args":[]},
  "stateChanges":{"data":[{"key":"deposits","type":"integer","value":%d}],"invokes":[
    {"dApp":"3POracle","call":{"function":"price","args":[]},"stateChanges":{"data":[]}}
  ]}}`

func newSyncedStore(t *testing.T, txs ...entities.FetchedTx) *pebbledb.Store {
	dbDir, err := os.MkdirTemp("", "pebble_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dbDir) })

	store, err := pebbledb.NewStore(dbDir, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	records, err := codec.EncodeAll(txs)
	require.NoError(t, err)
	require.NoError(t, store.Append(records, txs[len(txs)-1].ID))
	require.NoError(t, store.CompleteBackfill())
	require.NoError(t, store.CompleteUpdate(100))
	return store
}

func fetched(id string, height uint32, json string) entities.FetchedTx {
	return entities.FetchedTx{Key: entities.NewOrderKey(height, 0), ID: id, Fingerprint: "fp", Height: height, JSON: []byte(json)}
}

func transfer(id string, height uint32) entities.FetchedTx {
	return fetched(id, height, fmt.Sprintf(`{"id":"%s","type":4,"height":%d,"sender":"%s","applicationStatus":"succeeded"}`, id, height, account))
}

func replayed(t *testing.T, exporter *Exporter, txTypes ...int) *replay.Projection {
	store := newSyncedStore(t,
		transfer("t1", 1),
		fetched("inv-2", 2, fmt.Sprintf(invoke, 2, 5)),
		transfer("t3", 3),
		fetched("data-4", 4, fmt.Sprintf(`{"id":"data-4","type":12,"height":4,"sender":"%s","applicationStatus":"succeeded","data":[{"key":"name","type":"string","value":"pool"}]}`, account)),
		transfer("t5", 5),
	)

	ctx := context.Background()
	handlers := exporter.Handlers(ctx, replay.NewHandlers(), txTypes...)
	state, err := replay.NewEngine(zap.NewNop().Sugar(), m).Run(ctx, []replay.Account{{Address: account, Source: store}}, handlers, 0, 0)
	require.NoError(t, err)
	return state
}

func TestExporter_publishesInBatches(t *testing.T) {
	publisher := &MockPublisher{}
	exporter := NewExporter(publisher, nil, 2, time.Second, zap.NewNop().Sugar())

	replayed(t, exporter, 4, entities.TypeInvoke)
	require.Len(t, publisher.batches, 2)
	require.NoError(t, exporter.Flush(context.Background()))
	require.Len(t, publisher.batches, 3)

	var ids, functions []string
	for _, batch := range publisher.batches {
		for _, event := range batch {
			ids = append(ids, event.ID)
			functions = append(functions, event.Function)
		}
	}
	assert.Equal(t, []string{"t1", "inv-2", "inv-2", "t3", "t5"}, ids)
	assert.Equal(t, []string{"", "price", "deposit", "", ""}, functions)

	nested := publisher.batches[0][1]
	assert.Equal(t, entities.TypeInvoke, nested.Type)
	assert.Equal(t, "3POracle", nested.DApp)
	assert.Equal(t, account, nested.Caller)
	assert.Equal(t, "3PUser", nested.OriginCaller)
	assert.Equal(t, uint64(entities.NewOrderKey(2, 0)), nested.Key)
	assert.JSONEq(t, fmt.Sprintf(invoke, 2, 5), string(nested.Transaction))
}

func TestExporter_replayAgainSkipsPublished(t *testing.T) {
	publisher := &MockPublisher{}
	exporter := NewExporter(publisher, nil, 10, time.Second, zap.NewNop().Sugar())

	replayed(t, exporter, 4)
	require.NoError(t, exporter.Flush(context.Background()))
	require.Len(t, publisher.batches, 1)
	assert.Len(t, publisher.batches[0], 3)

	replayed(t, exporter, 4)
	require.NoError(t, exporter.Flush(context.Background()))
	assert.Len(t, publisher.batches, 1)
}

func TestExporter_flushEmpty(t *testing.T) {
	publisher := &MockPublisher{}
	exporter := NewExporter(publisher, nil, 10, time.Second, zap.NewNop().Sugar())
	require.NoError(t, exporter.Flush(context.Background()))
	assert.Empty(t, publisher.batches)

	exporter = NewExporter(nil, nil, 10, time.Second, zap.NewNop().Sugar())
	replayed(t, exporter, 4)
	require.NoError(t, exporter.Flush(context.Background()))
}

func TestExporter_publishErrorStopsReplay(t *testing.T) {
	publisher := &MockPublisher{shouldError: true}
	exporter := NewExporter(publisher, nil, 1, time.Second, zap.NewNop().Sugar())

	var seen []string
	handlers := exporter.Handlers(context.Background(), replay.NewHandlers(), 4)
	handlers.Handle(12, account, func(d *replay.Dispatch) { seen = append(seen, d.Tx.ID) })

	store := newSyncedStore(t, transfer("t1", 1), transfer("t2", 2),
		fetched("data-3", 3, fmt.Sprintf(`{"id":"data-3","type":12,"height":3,"sender":"%s","applicationStatus":"succeeded","data":[]}`, account)))
	_, err := replay.NewEngine(zap.NewNop().Sugar(), m).Run(context.Background(), []replay.Account{{Address: account, Source: store}}, handlers, 0, 0)
	require.NoError(t, err)

	assert.Empty(t, seen)
	err = exporter.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publishing [1] events")
}

func TestExporter_ExportProjection(t *testing.T) {
	indexer := &MockIndexer{}
	exporter := NewExporter(nil, indexer, 10, time.Second, zap.NewNop().Sugar())

	state := replayed(t, exporter, 4, entities.TypeData, entities.TypeInvoke)
	require.NoError(t, exporter.ExportProjection(context.Background(), state))
	assert.Equal(t, map[string]map[string]any{
		account: {"deposits": int64(5), "name": "pool"},
	}, indexer.indexed)

	require.NoError(t, exporter.ExportProjection(context.Background(), nil))
	require.NoError(t, NewExporter(nil, nil, 1, time.Second, zap.NewNop().Sugar()).ExportProjection(context.Background(), state))
}
