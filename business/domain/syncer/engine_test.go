package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waves-tools/go-reproduce/entities"
	"github.com/waves-tools/go-reproduce/infrastructure/codec"
	"github.com/waves-tools/go-reproduce/infrastructure/store/pebbledb"
	"github.com/waves-tools/go-reproduce/metrics"
	"go.uber.org/zap"
)

var m = metrics.NewMetrics("test")
var ErrMock = errors.New("mock error")

const account = "3PAccount"

func chainTx(height, index uint32, id string) entities.FetchedTx {
	return entities.FetchedTx{
		Key:         entities.NewOrderKey(height, index),
		ID:          id,
		Fingerprint: fmt.Sprintf("%s@%d:%d", id, height, index),
		Height:      height,
		Timestamp:   1700000000000 + int64(height)*60000,
		JSON:        []byte(fmt.Sprintf(`{"id":"%s","height":%d,"type":4}`, id, height)),
	}
}

// fakeChain serves the transactions of one account, newest first.
type fakeChain struct {
	txs    []entities.FetchedTx
	height uint32
	// beforeFetch is called on every batch request and may change the chain.
	beforeFetch func(c *fakeChain, limit int, after string)
	lock        sync.Mutex
}

// newFakeChain creates n transactions, one per block starting at height 1.
func newFakeChain(n int) *fakeChain {
	c := &fakeChain{}
	for i := 1; i <= n; i++ {
		c.txs = append([]entities.FetchedTx{chainTx(uint32(i), uint32(i%3), fmt.Sprintf("tx-%04d", i))}, c.txs...)
	}
	c.height = uint32(n) + 20
	return c
}

// push adds transactions on top of the chain. They must be given oldest first.
func (c *fakeChain) push(txs ...entities.FetchedTx) {
	for _, tx := range txs {
		c.txs = append([]entities.FetchedTx{tx}, c.txs...)
		c.height = max(c.height, tx.Height+1)
	}
}

// orphan drops the n newest transactions.
func (c *fakeChain) orphan(n int) {
	c.txs = slices.Clone(c.txs[n:])
}

func (c *fakeChain) tip() uint32 {
	if len(c.txs) == 0 {
		return 0
	}
	return c.txs[0].Height
}

func (c *fakeChain) FetchBatch(_ context.Context, _ string, limit int, after string) ([]entities.FetchedTx, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.beforeFetch != nil {
		c.beforeFetch(c, limit, after)
	}
	start := 0
	if after != "" {
		start = slices.IndexFunc(c.txs, func(tx entities.FetchedTx) bool { return tx.ID == after })
		if start < 0 {
			return []entities.FetchedTx{}, nil
		}
		start++
	}
	end := min(start+limit, len(c.txs))
	return slices.Clone(c.txs[start:end]), nil
}

func (c *fakeChain) FetchByID(_ context.Context, id string) (entities.FetchedTx, bool, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, tx := range c.txs {
		if tx.ID == id {
			return tx, true, nil
		}
	}
	return entities.FetchedTx{}, false, nil
}

func (c *fakeChain) CurrentHeight(_ context.Context) (uint32, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.height, nil
}

// failingStore fails the n-th write of the given kind.
type failingStore struct {
	*pebbledb.Store
	failAppend int
	failMerge  int
}

func (s *failingStore) Append(records []entities.Record, cursor string) error {
	s.failAppend--
	if s.failAppend == 0 {
		return ErrMock
	}
	return s.Store.Append(records, cursor)
}

func (s *failingStore) Merge(records []entities.Record) error {
	s.failMerge--
	if s.failMerge == 0 {
		return ErrMock
	}
	return s.Store.Merge(records)
}

func newTestStore(t *testing.T) *pebbledb.Store {
	dbDir, err := os.MkdirTemp("", "pebble_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dbDir) })

	store, err := pebbledb.NewStore(dbDir, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestEngine(chain *fakeChain, maxRestarts int) *Engine {
	return NewEngine(chain, Config{BatchSize: 7, Stability: 10, MaxRestarts: maxRestarts}, zap.NewNop().Sugar(), m)
}

type storedTx struct {
	Key         entities.OrderKey
	ID          string
	Fingerprint string
	JSON        string
}

func storedTransactions(t *testing.T, store *pebbledb.Store) []storedTx {
	cursor, err := store.Scan(0)
	require.NoError(t, err)
	defer cursor.Close()

	var stored []storedTx
	for {
		record, ok, err := cursor.Next()
		require.NoError(t, err)
		if !ok {
			return stored
		}
		if len(stored) > 0 {
			require.Greater(t, record.Key, stored[len(stored)-1].Key)
		}
		data, err := codec.Decode(record)
		require.NoError(t, err)
		stored = append(stored, storedTx{Key: record.Key, ID: record.ID, Fingerprint: record.Fingerprint, JSON: string(data)})
	}
}

func chainTransactions(chain *fakeChain) []storedTx {
	var expected []storedTx
	for i := len(chain.txs) - 1; i >= 0; i-- {
		tx := chain.txs[i]
		expected = append(expected, storedTx{Key: tx.Key, ID: tx.ID, Fingerprint: tx.Fingerprint, JSON: string(tx.JSON)})
	}
	return expected
}

func requireSynced(t *testing.T, chain *fakeChain, store *pebbledb.Store) {
	if diff := cmp.Diff(chainTransactions(chain), storedTransactions(t, store)); diff != "" {
		t.Fatalf("Unexpected store content: %v", diff)
	}
	_, complete, err := store.Checkpoint()
	require.NoError(t, err)
	assert.True(t, complete)
	height, err := store.Height()
	require.NoError(t, err)
	assert.Equal(t, chain.height, height)
}

func TestEngine_Sync_firstRun(t *testing.T) {
	testData := []struct {
		name string
		size int
	}{
		{name: "empty account", size: 0},
		{name: "shorter than stability", size: 4},
		{name: "one partial batch", size: 6},
		{name: "exact batches", size: 21},
		{name: "many batches", size: 250},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {
			chain := newFakeChain(testRun.size)
			store := newTestStore(t)

			err := newTestEngine(chain, 0).Sync(context.Background(), account, store)
			require.NoError(t, err)
			requireSynced(t, chain, store)

			_, complete, err := store.BackfillCursor()
			require.NoError(t, err)
			assert.True(t, complete)
		})
	}
}

func TestEngine_Sync_idempotent(t *testing.T) {
	chain := newFakeChain(100)
	store := newTestStore(t)
	engine := newTestEngine(chain, 0)

	require.NoError(t, engine.Sync(context.Background(), account, store))
	before := storedTransactions(t, store)

	chain.height += 50
	fetches := 0
	chain.beforeFetch = func(_ *fakeChain, _ int, _ string) { fetches++ }

	require.NoError(t, engine.Sync(context.Background(), account, store))
	assert.Equal(t, before, storedTransactions(t, store))
	requireSynced(t, chain, store)
	assert.Equal(t, 1, fetches) // only the tip is checked
}

func TestEngine_Sync_newTransactions(t *testing.T) {
	chain := newFakeChain(60)
	store := newTestStore(t)
	engine := newTestEngine(chain, 0)
	require.NoError(t, engine.Sync(context.Background(), account, store))

	for i := 0; i < 18; i++ {
		height := chain.tip() + uint32(i%2)
		chain.push(chainTx(height, uint32(10+i), fmt.Sprintf("new-%02d", i)))
	}

	require.NoError(t, engine.Sync(context.Background(), account, store))
	requireSynced(t, chain, store)
}

func TestEngine_Sync_tipNotDeepEnough(t *testing.T) {
	chain := newFakeChain(30)
	store := newTestStore(t)
	engine := newTestEngine(chain, 0)
	require.NoError(t, engine.Sync(context.Background(), account, store))

	// last update happened right after the newest transaction was mined
	chain.push(chainTx(chain.height, 0, "fresh"))
	require.NoError(t, engine.Sync(context.Background(), account, store))
	requireSynced(t, chain, store)

	// still the same tip, the stable candidate has to be confirmed by a full pass
	chain.height++
	require.NoError(t, engine.Sync(context.Background(), account, store))
	requireSynced(t, chain, store)
}

func TestEngine_Sync_reorg(t *testing.T) {
	testData := []struct {
		name   string
		change func(c *fakeChain)
	}{
		{
			name: "orphaned tail replaced",
			change: func(c *fakeChain) {
				tip := c.tip()
				c.orphan(3)
				c.push(chainTx(tip-1, 5, "fork-1"), chainTx(tip, 0, "fork-2"), chainTx(tip, 1, "fork-3"), chainTx(tip+1, 0, "fork-4"))
			},
		},
		{
			name: "transaction moved to another block",
			change: func(c *fakeChain) {
				moved := c.txs[0]
				c.orphan(1)
				c.push(chainTx(moved.Height+2, 3, moved.ID))
			},
		},
		{
			name: "transaction moved below untouched transactions",
			change: func(c *fakeChain) {
				tip := c.tip()
				moved := c.txs[2]
				c.txs = slices.Delete(slices.Clone(c.txs), 2, 3)
				c.push(chainTx(tip+1, 0, moved.ID))
			},
		},
		{
			name: "deep reorg beyond stability",
			change: func(c *fakeChain) {
				tip := c.tip()
				c.orphan(25)
				for i := uint32(0); i < 30; i++ {
					c.push(chainTx(tip-24+i, 1, fmt.Sprintf("fork-%02d", i)))
				}
			},
		},
		{
			name: "whole history replaced",
			change: func(c *fakeChain) {
				fork := newFakeChain(40)
				for i := range fork.txs {
					fork.txs[i] = chainTx(fork.txs[i].Height, 0, "fork-"+fork.txs[i].ID)
				}
				c.txs = fork.txs
			},
		},
		{
			name: "account history removed",
			change: func(c *fakeChain) {
				c.txs = nil
			},
		},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {
			chain := newFakeChain(50)
			store := newTestStore(t)
			engine := newTestEngine(chain, 0)
			require.NoError(t, engine.Sync(context.Background(), account, store))

			testRun.change(chain)
			chain.height += 5

			require.NoError(t, engine.Sync(context.Background(), account, store))
			requireSynced(t, chain, store)
		})
	}
}

func TestEngine_Sync_accountGetsFirstTransactions(t *testing.T) {
	chain := newFakeChain(0)
	store := newTestStore(t)
	engine := newTestEngine(chain, 0)
	require.NoError(t, engine.Sync(context.Background(), account, store))
	requireSynced(t, chain, store)

	chain.push(chainTx(chain.height, 0, "first"), chainTx(chain.height+1, 2, "second"))
	require.NoError(t, engine.Sync(context.Background(), account, store))
	requireSynced(t, chain, store)
}

func TestEngine_Sync_restartsWhenChainMovesDuringVerification(t *testing.T) {
	chain := newFakeChain(50)
	store := newTestStore(t)
	engine := newTestEngine(chain, 0)
	require.NoError(t, engine.Sync(context.Background(), account, store))

	chain.push(chainTx(chain.tip()+1, 0, "new"))
	moved := 0
	chain.beforeFetch = func(c *fakeChain, limit int, after string) {
		// first scan from the tip after the stable transaction was found
		if moved == 0 && limit == 7 && after == "" {
			moved++
			tip := c.tip()
			c.orphan(2)
			c.push(chainTx(tip, 4, "replacement"))
		}
	}

	require.NoError(t, engine.Sync(context.Background(), account, store))
	assert.Equal(t, 1, moved)
	requireSynced(t, chain, store)
}

func TestEngine_Sync_persistentDivergence(t *testing.T) {
	chain := newFakeChain(50)
	store := newTestStore(t)
	engine := newTestEngine(chain, 2)
	require.NoError(t, engine.Sync(context.Background(), account, store))

	chain.push(chainTx(chain.tip()+1, 0, "new-0"))
	forks := 0
	chain.beforeFetch = func(c *fakeChain, limit int, after string) {
		if limit == 7 && after == "" {
			// every verification sees the last stable transaction orphaned
			forks++
			tip := c.tip()
			newest := slices.IndexFunc(c.txs, func(tx entities.FetchedTx) bool { return strings.HasPrefix(tx.ID, "tx-") })
			c.orphan(newest + 1)
			c.push(chainTx(tip+1, 0, fmt.Sprintf("fork-%d-a", forks)), chainTx(tip+2, 0, fmt.Sprintf("fork-%d-b", forks)))
		}
	}

	err := engine.Sync(context.Background(), account, store)
	require.ErrorIs(t, err, entities.ErrPersistentDivergence)
	assert.Equal(t, 3, forks)

	// chain settles
	chain.beforeFetch = nil
	require.NoError(t, engine.Sync(context.Background(), account, store))
	requireSynced(t, chain, store)
}

func TestEngine_Sync_crashDuringFirstRun(t *testing.T) {
	chain := newFakeChain(40)
	store := newTestStore(t)
	engine := newTestEngine(chain, 0)

	err := engine.Sync(context.Background(), account, &failingStore{Store: store, failAppend: 3})
	require.ErrorIs(t, err, ErrMock)

	cursor, complete, err := store.BackfillCursor()
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, chain.txs[13].ID, cursor)
	assert.Len(t, storedTransactions(t, store), 14)

	require.NoError(t, engine.Sync(context.Background(), account, store))
	requireSynced(t, chain, store)
}

func TestEngine_Sync_crashDuringUpdate(t *testing.T) {
	chain := newFakeChain(40)
	store := newTestStore(t)
	engine := newTestEngine(chain, 0)
	require.NoError(t, engine.Sync(context.Background(), account, store))

	for i := 0; i < 20; i++ {
		chain.push(chainTx(chain.tip()+1, 0, fmt.Sprintf("new-%02d", i)))
	}

	err := engine.Sync(context.Background(), account, &failingStore{Store: store, failMerge: 2})
	require.ErrorIs(t, err, ErrMock)
	_, complete, err := store.Checkpoint()
	require.NoError(t, err)
	assert.False(t, complete)

	// the interrupted pass did not finish, so nothing past the checkpoint may survive
	chain.orphan(20)
	chain.push(chainTx(chain.tip()+1, 1, "other"))
	require.NoError(t, engine.Sync(context.Background(), account, store))
	requireSynced(t, chain, store)
}

func TestEngine_Sync_cancelled(t *testing.T) {
	chain := newFakeChain(40)
	store := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	chain.beforeFetch = func(_ *fakeChain, _ int, _ string) { cancel() }
	gw := &cancellingGateway{fakeChain: chain}

	err := NewEngine(gw, Config{BatchSize: 7, Stability: 10}, zap.NewNop().Sugar(), m).Sync(ctx, account, store)
	require.ErrorIs(t, err, context.Canceled)
}

// cancellingGateway behaves like the real gateway and returns the context error once cancelled.
type cancellingGateway struct {
	*fakeChain
}

func (g *cancellingGateway) FetchBatch(ctx context.Context, account string, limit int, after string) ([]entities.FetchedTx, error) {
	txs, err := g.fakeChain.FetchBatch(ctx, account, limit, after)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return txs, err
}
