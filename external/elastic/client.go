package elastic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Client struct {
	esClient  *elasticsearch.Client
	indexName string
	logger    *zap.SugaredLogger

	lock sync.Mutex
	// data keys per account that may have a document in the index
	indexed map[string]map[string]struct{}
}

func NewClient(esClient *elasticsearch.Client, indexName string, logger *zap.SugaredLogger) *Client {
	return &Client{
		esClient:  esClient,
		indexName: indexName,
		logger:    logger,
		indexed:   make(map[string]map[string]struct{}),
	}
}

// EsDocument is indexed with its payload, or removed from the index if Delete is set.
type EsDocument struct {
	Id      string
	Payload []byte
	Delete  bool
}

// DataEntry is the indexed form of one key of an account data storage. Each value type has
// its own field so that the index mapping of a field never changes type.
type DataEntry struct {
	Account      string  `json:"account"`
	Key          string  `json:"key"`
	Type         string  `json:"type"`
	IntegerValue *int64  `json:"integerValue,omitempty"`
	BooleanValue *bool   `json:"booleanValue,omitempty"`
	StringValue  *string `json:"stringValue,omitempty"`
	BinaryValue  *string `json:"binaryValue,omitempty"`
}

// IndexProjection creates or replaces one document per data key of the account and deletes
// the documents of keys indexed earlier that are no longer in the state.
func (c *Client) IndexProjection(ctx context.Context, account string, state map[string]any) error {
	documents, err := projectionDocuments(account, state)
	if err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	previous := c.indexed[account]
	var removed []string
	for key := range previous {
		if _, ok := state[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	for _, key := range removed {
		documents = append(documents, &EsDocument{Id: documentID(account, key), Delete: true})
	}

	// until the bulk request succeeded both old and new keys may be in the index
	for key := range state {
		if previous == nil {
			previous = make(map[string]struct{}, len(state))
			c.indexed[account] = previous
		}
		previous[key] = struct{}{}
	}
	if err := c.BulkIndex(ctx, documents); err != nil {
		return err
	}

	current := make(map[string]struct{}, len(state))
	for key := range state {
		current[key] = struct{}{}
	}
	c.indexed[account] = current
	return nil
}

func documentID(account, key string) string {
	return account + ":" + key
}

func projectionDocuments(account string, state map[string]any) ([]*EsDocument, error) {
	keys := make([]string, 0, len(state))
	for key := range state {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	documents := make([]*EsDocument, 0, len(keys))
	for _, key := range keys {
		entry := DataEntry{Account: account, Key: key}
		switch value := state[key].(type) {
		case int64:
			entry.Type = "integer"
			entry.IntegerValue = &value
		case bool:
			entry.Type = "boolean"
			entry.BooleanValue = &value
		case []byte:
			entry.Type = "binary"
			encoded := base64.StdEncoding.EncodeToString(value)
			entry.BinaryValue = &encoded
		case string:
			entry.Type = "string"
			entry.StringValue = &value
		default:
			return nil, errors.Errorf("unsupported value of type [%T] for key [%s]", state[key], key)
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "marshalling key [%s]", key)
		}
		documents = append(documents, &EsDocument{Id: documentID(account, key), Payload: payload})
	}
	return documents, nil
}

func (c *Client) BulkIndex(ctx context.Context, data []*EsDocument) error {
	if len(data) == 0 {
		return nil
	}
	start := time.Now()
	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Index:      c.indexName,
		Client:     c.esClient,
		NumWorkers: min(runtime.NumCPU(), 8),
	})
	if err != nil {
		return errors.Wrap(err, "creating bulk indexer")
	}

	var numFailed atomic.Int64
	for _, d := range data {
		item := esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: d.Id,
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				// already gone
				if d.Delete && err == nil && res.Status == http.StatusNotFound {
					return
				}
				numFailed.Add(1)
				if err != nil {
					c.logger.Errorw("Error indexing document", "id", d.Id, "action", item.Action, "error", err)
				} else {
					c.logger.Errorw("Error indexing document", "id", d.Id, "action", item.Action, "type", res.Error.Type, "reason", res.Error.Reason)
				}
			},
		}
		if d.Delete {
			item.Action = "delete"
		} else {
			item.Body = bytes.NewReader(d.Payload)
		}
		if err := bi.Add(ctx, item); err != nil {
			return errors.Wrapf(err, "adding document [%s]", d.Id)
		}
	}

	err = bi.Close(ctx)
	if err != nil {
		return errors.Wrap(err, "closing bulk indexer")
	}

	biStats := bi.Stats()
	if failed := numFailed.Load(); failed > 0 {
		return errors.Errorf("%d errors indexing [%d] documents", failed, len(data))
	}
	c.logger.Infow("Indexed documents", "indexed", biStats.NumIndexed, "deleted", biStats.NumDeleted,
		"bytes", biStats.FlushedBytes, "requests", biStats.NumRequests, "duration", time.Since(start))
	return nil
}
