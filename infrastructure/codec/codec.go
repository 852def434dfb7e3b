package codec

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"github.com/waves-tools/go-reproduce/entities"
)

// Encode compresses the transaction JSON with raw deflate at best compression.
func Encode(tx entities.FetchedTx) (entities.Record, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return entities.Record{}, errors.Wrap(err, "creating deflate writer")
	}
	if _, err := w.Write(tx.JSON); err != nil {
		return entities.Record{}, errors.Wrapf(err, "compressing transaction [%s]", tx.ID)
	}
	if err := w.Close(); err != nil {
		return entities.Record{}, errors.Wrapf(err, "compressing transaction [%s]", tx.ID)
	}

	return entities.Record{
		Key:         tx.Key,
		ID:          tx.ID,
		Fingerprint: tx.Fingerprint,
		Payload:     buf.Bytes(),
	}, nil
}

func EncodeAll(txs []entities.FetchedTx) ([]entities.Record, error) {
	records := make([]entities.Record, 0, len(txs))
	for _, tx := range txs {
		record, err := Encode(tx)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Decode returns the transaction JSON stored in the record.
func Decode(record entities.Record) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(record.Payload))
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(entities.ErrCorruptRecord, "inflating record [%s] (%s): %v", record.ID, record.Key, err)
	}
	return data, nil
}

func DecodeTransaction(record entities.Record) (*entities.Transaction, error) {
	data, err := Decode(record)
	if err != nil {
		return nil, err
	}

	var tx entities.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, errors.Wrapf(entities.ErrCorruptRecord, "unmarshalling record [%s] (%s): %v", record.ID, record.Key, err)
	}
	tx.Key = record.Key
	tx.Index = record.Key.Index()
	tx.Raw = data
	return &tx, nil
}
