package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"github.com/waves-tools/go-reproduce/entities"
	"go.uber.org/zap"
)

const (
	minRetryDelay     = time.Second
	DefaultRetryDelay = 3 * time.Second
	heightKey         = "height"
)

type LedgerClient interface {
	GetTransactions(ctx context.Context, address string, limit int, after string) ([]entities.RawTx, error)
	GetTransaction(ctx context.Context, id string) (entities.RawTx, error)
	GetPositions(ctx context.Context, ids []string) ([]entities.Position, error)
	GetHeight(ctx context.Context) (uint32, error)
}

type Config struct {
	RequestTimeout time.Duration
	RetryDelay     time.Duration
	// HeightCacheTTL of zero disables caching of the chain height.
	HeightCacheTTL time.Duration
}

// Gateway resolves transactions into their order keys and retries every failing node
// request until it succeeds or the context is cancelled.
type Gateway struct {
	client         LedgerClient
	requestTimeout time.Duration
	retryDelay     time.Duration
	heightCache    *ttlcache.Cache[string, uint32]
	heightLock     sync.Mutex
	logger         *zap.SugaredLogger
	sleep          func(ctx context.Context, d time.Duration) error
}

func NewGateway(client LedgerClient, cfg Config, logger *zap.SugaredLogger) *Gateway {
	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = DefaultRetryDelay
	}
	if retryDelay < minRetryDelay {
		retryDelay = minRetryDelay
	}

	var heightCache *ttlcache.Cache[string, uint32]
	if cfg.HeightCacheTTL > 0 {
		heightCache = ttlcache.New[string, uint32](
			ttlcache.WithTTL[string, uint32](cfg.HeightCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, uint32](), // height must be refetched after ttl
		)
	}

	return &Gateway{
		client:         client,
		requestTimeout: cfg.RequestTimeout,
		retryDelay:     retryDelay,
		heightCache:    heightCache,
		logger:         logger,
		sleep:          sleepContext,
	}
}

// FetchBatch lists up to limit transactions of the account after the given id, newest first,
// with their order keys.
func (g *Gateway) FetchBatch(ctx context.Context, account string, limit int, after string) ([]entities.FetchedTx, error) {
	var fetched []entities.FetchedTx
	err := g.retry(ctx, "fetching transactions", func(ctx context.Context) error {
		txs, err := g.client.GetTransactions(ctx, account, limit, after)
		if err != nil {
			return err
		}
		fetched, err = g.resolve(ctx, txs)
		return err
	}, "account", account, "after", after)
	if err != nil {
		return nil, err
	}
	return fetched, nil
}

// FetchByID returns found false if the transaction is not on chain (anymore).
func (g *Gateway) FetchByID(ctx context.Context, id string) (entities.FetchedTx, bool, error) {
	var fetched []entities.FetchedTx
	var found bool
	err := g.retry(ctx, "fetching transaction", func(ctx context.Context) error {
		tx, err := g.client.GetTransaction(ctx, id)
		if errors.Is(err, entities.ErrTransactionNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		fetched, err = g.resolve(ctx, []entities.RawTx{tx})
		if err != nil {
			return err
		}
		found = true
		return nil
	}, "id", id)
	if err != nil {
		return entities.FetchedTx{}, false, err
	}
	if !found {
		return entities.FetchedTx{}, false, nil
	}
	return fetched[0], true, nil
}

func (g *Gateway) CurrentHeight(ctx context.Context) (uint32, error) {
	g.heightLock.Lock()
	defer g.heightLock.Unlock()

	if g.heightCache != nil {
		if item := g.heightCache.Get(heightKey); item != nil {
			return item.Value(), nil
		}
	}

	var height uint32
	err := g.retry(ctx, "fetching height", func(ctx context.Context) error {
		var err error
		height, err = g.client.GetHeight(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	if g.heightCache != nil {
		g.heightCache.Set(heightKey, height, ttlcache.DefaultTTL)
	}
	return height, nil
}

// resolve looks up the in-block positions of the transactions with one request.
func (g *Gateway) resolve(ctx context.Context, txs []entities.RawTx) ([]entities.FetchedTx, error) {
	if len(txs) == 0 {
		return []entities.FetchedTx{}, nil
	}

	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	positions, err := g.client.GetPositions(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(positions) != len(txs) {
		return nil, errors.Errorf("got [%d] positions for [%d] transactions", len(positions), len(txs))
	}

	fetched := make([]entities.FetchedTx, len(txs))
	for i, tx := range txs {
		position := positions[i]
		if position.ID != tx.ID {
			return nil, errors.Errorf("position [%d] is for [%s], expected [%s]", i, position.ID, tx.ID)
		}
		fingerprint, err := Fingerprint(position.Proof)
		if err != nil {
			return nil, errors.Wrapf(err, "fingerprinting proof of [%s]", tx.ID)
		}
		fetched[i] = entities.FetchedTx{
			Key:         entities.NewOrderKey(tx.Height, position.TransactionIndex),
			ID:          tx.ID,
			Fingerprint: fingerprint,
			Height:      tx.Height,
			Timestamp:   tx.Timestamp,
			JSON:        tx.JSON,
		}
	}
	return fetched, nil
}

// retry runs fn until it succeeds. Only cancellation of ctx ends it with an error.
func (g *Gateway) retry(ctx context.Context, operation string, fn func(ctx context.Context) error, keysAndValues ...any) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := func() error {
			requestCtx, cancel := g.requestContext(ctx)
			defer cancel()
			return fn(requestCtx)
		}()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		g.logger.Warnw("Node request failed, retrying", append(keysAndValues, "operation", operation, "delay", g.retryDelay, "error", err)...)
		if err := g.sleep(ctx, g.retryDelay); err != nil {
			return err
		}
	}
}

func (g *Gateway) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.requestTimeout)
}

// Fingerprint identifies a position proof independent of its formatting.
func Fingerprint(proof []byte) (string, error) {
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, proof); err != nil {
		return "", err
	}
	sum := sha256.Sum256(compacted.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
