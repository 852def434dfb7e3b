package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/waves-tools/go-reproduce/entities"
)

const apiKeyHeader = "X-API-Key"

// Client talks to the REST API of a ledger node.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// transactionHeader holds the fields the client needs from an otherwise opaque transaction.
type transactionHeader struct {
	ID        string `json:"id"`
	Height    uint32 `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

// GetTransactions lists up to limit transactions of the address, newest first. A non empty
// after continues the listing below the transaction with that id.
func (c *Client) GetTransactions(ctx context.Context, address string, limit int, after string) ([]entities.RawTx, error) {
	path := fmt.Sprintf("/transactions/address/%s/limit/%d", url.PathEscape(address), limit)
	if after != "" {
		path += "?after=" + url.QueryEscape(after)
	}

	var pages [][]json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &pages); err != nil {
		return nil, errors.Wrapf(err, "listing transactions of [%s]", address)
	}
	if len(pages) == 0 {
		return []entities.RawTx{}, nil
	}

	txs := make([]entities.RawTx, 0, len(pages[0]))
	for _, raw := range pages[0] {
		tx, err := toRawTx(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing transaction of [%s]", address)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// GetTransaction returns entities.ErrTransactionNotFound when the node does not know the id.
func (c *Client) GetTransaction(ctx context.Context, id string) (entities.RawTx, error) {
	var raw json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, "/transactions/info/"+url.PathEscape(id), nil, &raw)
	if err != nil {
		return entities.RawTx{}, errors.Wrapf(err, "getting transaction [%s]", id)
	}
	tx, err := toRawTx(raw)
	if err != nil {
		return entities.RawTx{}, errors.Wrapf(err, "parsing transaction [%s]", id)
	}
	return tx, nil
}

type proofRequest struct {
	IDs []string `json:"ids"`
}

// GetPositions returns the in-block positions of the ids in request order.
func (c *Client) GetPositions(ctx context.Context, ids []string) ([]entities.Position, error) {
	var proofs []json.RawMessage
	err := c.doJSON(ctx, http.MethodPost, "/transactions/merkleProof", proofRequest{IDs: ids}, &proofs)
	if err != nil {
		return nil, errors.Wrapf(err, "getting positions of [%d] transactions", len(ids))
	}

	positions := make([]entities.Position, 0, len(proofs))
	for _, raw := range proofs {
		var position struct {
			ID               string `json:"id"`
			TransactionIndex uint32 `json:"transactionIndex"`
		}
		if err := json.Unmarshal(raw, &position); err != nil {
			return nil, errors.Wrap(err, "parsing merkle proof")
		}
		positions = append(positions, entities.Position{
			ID:               position.ID,
			TransactionIndex: position.TransactionIndex,
			Proof:            raw,
		})
	}
	return positions, nil
}

func (c *Client) GetHeight(ctx context.Context) (uint32, error) {
	var response struct {
		Height uint32 `json:"height"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/blocks/height", nil, &response); err != nil {
		return 0, errors.Wrap(err, "getting height")
	}
	return response.Height, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "marshalling request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return entities.ErrTransactionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("unexpected status [%d]: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decoding response")
	}
	return nil
}

func toRawTx(raw json.RawMessage) (entities.RawTx, error) {
	var header transactionHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return entities.RawTx{}, err
	}
	if header.ID == "" {
		return entities.RawTx{}, errors.New("transaction without id")
	}
	return entities.RawTx{
		ID:        header.ID,
		Height:    header.Height,
		Timestamp: header.Timestamp,
		JSON:      append([]byte(nil), raw...),
	}, nil
}
