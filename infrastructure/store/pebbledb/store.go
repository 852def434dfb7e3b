package pebbledb

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/waves-tools/go-reproduce/entities"
	"go.uber.org/zap"
)

// key layout
//
//	0x00 <sentinel>          -> sentinel value
//	0x01 <order key, BE u64> -> uvarint(len id) id uvarint(len fp) fp payload
//	0x02 <id>                -> order key, BE u64
const (
	sentinelPrefix byte = 0x00
	recordPrefix   byte = 0x01
	idPrefix       byte = 0x02
)

const (
	firstSentinel  byte = 0x00
	lastSentinel   byte = 0x01
	heightSentinel byte = 0x02
)

// sentinel values for FIRST and LAST start with a state byte
const (
	stateComplete   byte = 0x00
	stateInProgress byte = 0x01
)

type Store struct {
	db     *pebble.DB
	logger *zap.SugaredLogger
}

func NewStore(dir string, logger *zap.SugaredLogger) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %v", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// BackfillCursor returns the id of the last transaction written by the first run, or
// complete once the first run finished.
func (s *Store) BackfillCursor() (id string, complete bool, err error) {
	value, err := s.getSentinel(firstSentinel)
	if err != nil {
		return "", false, err
	}
	if value[0] == stateComplete {
		return "", true, nil
	}
	return string(value[1:]), false, nil
}

// Append writes the records and moves the backfill cursor in one batch.
func (s *Store) Append(records []entities.Record, cursor string) error {
	batch := s.db.NewIndexedBatch()
	defer s.closeQuietly(batch)

	err := s.writeRecords(batch, records)
	if err != nil {
		return errors.Wrap(err, "writing records")
	}
	err = batch.Set(sentinelKey(firstSentinel), append([]byte{stateInProgress}, cursor...), nil)
	if err != nil {
		return errors.Wrap(err, "setting backfill cursor")
	}

	return commit(batch)
}

func (s *Store) CompleteBackfill() error {
	batch := s.db.NewBatch()
	defer s.closeQuietly(batch)

	if err := batch.Set(sentinelKey(firstSentinel), []byte{stateComplete}, nil); err != nil {
		return errors.Wrap(err, "completing backfill cursor")
	}
	if err := batch.Set(sentinelKey(lastSentinel), []byte{stateComplete}, nil); err != nil {
		return errors.Wrap(err, "completing checkpoint")
	}

	return commit(batch)
}

// Checkpoint returns the key of the last confirmed record while an update is in
// progress, or complete when the store is consistent.
func (s *Store) Checkpoint() (key entities.OrderKey, complete bool, err error) {
	value, err := s.getSentinel(lastSentinel)
	if err != nil {
		return 0, false, err
	}
	if value[0] == stateComplete {
		return 0, true, nil
	}
	if len(value) != 9 {
		return 0, false, errors.Wrapf(entities.ErrCorruptRecord, "checkpoint value of length [%d]", len(value))
	}
	return entities.OrderKey(binary.BigEndian.Uint64(value[1:])), false, nil
}

func (s *Store) SetCheckpoint(key entities.OrderKey) error {
	value := binary.BigEndian.AppendUint64([]byte{stateInProgress}, uint64(key))
	err := s.db.Set(sentinelKey(lastSentinel), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting checkpoint to [%s]", key)
	}
	return nil
}

// CompleteUpdate marks the store consistent as of the given chain height.
func (s *Store) CompleteUpdate(height uint32) error {
	batch := s.db.NewBatch()
	defer s.closeQuietly(batch)

	if err := batch.Set(sentinelKey(lastSentinel), []byte{stateComplete}, nil); err != nil {
		return errors.Wrap(err, "completing checkpoint")
	}
	if err := batch.Set(sentinelKey(heightSentinel), binary.BigEndian.AppendUint32(nil, height), nil); err != nil {
		return errors.Wrapf(err, "setting height to [%d]", height)
	}

	return commit(batch)
}

func (s *Store) Height() (uint32, error) {
	value, err := s.getSentinel(heightSentinel)
	if err != nil {
		return 0, err
	}
	if len(value) != 4 {
		return 0, errors.Wrapf(entities.ErrCorruptRecord, "height value of length [%d]", len(value))
	}
	return binary.BigEndian.Uint32(value), nil
}

func (s *Store) GetByKey(key entities.OrderKey) (entities.Record, error) {
	value, closer, err := s.db.Get(recordKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return entities.Record{}, entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return entities.Record{}, errors.Wrapf(err, "getting record [%s]", key)
	}
	defer s.closeQuietly(closer)

	return decodeRow(key, value)
}

func (s *Store) GetByID(id string) (entities.Record, error) {
	value, closer, err := s.db.Get(idKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return entities.Record{}, entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return entities.Record{}, errors.Wrapf(err, "getting record by id [%s]", id)
	}
	if len(value) != 8 {
		s.closeQuietly(closer)
		return entities.Record{}, errors.Wrapf(entities.ErrCorruptRecord, "index entry for [%s] of length [%d]", id, len(value))
	}
	key := entities.OrderKey(binary.BigEndian.Uint64(value))
	s.closeQuietly(closer)

	return s.GetByKey(key)
}

// Highest returns the record with the largest key.
func (s *Store) Highest() (entities.Record, error) {
	iter, err := s.db.NewIter(recordBounds())
	if err != nil {
		return entities.Record{}, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	if !iter.Last() {
		return entities.Record{}, entities.ErrStoreEntityNotFound
	}
	value, err := iter.ValueAndErr()
	if err != nil {
		return entities.Record{}, errors.Wrap(err, "getting value from iter")
	}
	return decodeRow(parseRecordKey(iter.Key()), value)
}

// Merge upserts the records by key in one atomic batch. Stored rows sharing the key
// or the id of a new record are replaced.
func (s *Store) Merge(records []entities.Record) error {
	batch := s.db.NewIndexedBatch()
	defer s.closeQuietly(batch)

	if err := s.writeRecords(batch, records); err != nil {
		return errors.Wrap(err, "writing records")
	}
	return commit(batch)
}

// DeleteAfter removes every record with a key greater than the given one.
func (s *Store) DeleteAfter(key entities.OrderKey) error {
	if key == entities.OrderKey(^uint64(0)) {
		return nil
	}
	return s.deleteRecordsFrom(key + 1)
}

// DeleteFrom removes every record with a key greater than or equal to the given one.
func (s *Store) DeleteFrom(key entities.OrderKey) error {
	return s.deleteRecordsFrom(key)
}

// DeleteAll removes records and sentinels.
func (s *Store) DeleteAll() error {
	err := s.db.DeleteRange([]byte{sentinelPrefix}, []byte{idPrefix + 1}, pebble.Sync)
	if err != nil {
		return errors.Wrap(err, "deleting all entries")
	}
	return nil
}

// Scan returns a cursor over the records with key >= from in ascending order.
func (s *Store) Scan(from entities.OrderKey) (entities.RecordCursor, error) {
	opts := recordBounds()
	opts.LowerBound = recordKey(from)
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	return &Cursor{iter: iter}, nil
}

func (s *Store) deleteRecordsFrom(from entities.OrderKey) error {
	opts := recordBounds()
	opts.LowerBound = recordKey(from)
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return errors.Wrap(err, "creating iterator")
	}

	batch := s.db.NewBatch()
	defer s.closeQuietly(batch)

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			iter.Close()
			return errors.Wrap(err, "getting value from iter")
		}
		record, err := decodeRow(parseRecordKey(iter.Key()), value)
		if err != nil {
			iter.Close()
			return err
		}
		if err := batch.Delete(idKey(record.ID), nil); err != nil {
			iter.Close()
			return errors.Wrapf(err, "deleting index entry [%s]", record.ID)
		}
	}
	if err := iter.Close(); err != nil {
		return errors.Wrap(err, "closing iterator")
	}

	err = batch.DeleteRange(recordKey(from), []byte{recordPrefix + 1}, nil)
	if err != nil {
		return errors.Wrapf(err, "deleting records from [%s]", from)
	}
	return commit(batch)
}

func (s *Store) getSentinel(sentinel byte) ([]byte, error) {
	value, closer, err := s.db.Get(sentinelKey(sentinel))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting sentinel [%d]", sentinel)
	}
	defer s.closeQuietly(closer)

	if len(value) == 0 {
		return nil, errors.Wrapf(entities.ErrCorruptRecord, "empty sentinel [%d]", sentinel)
	}
	// value is only valid until the closer is closed
	return append([]byte(nil), value...), nil
}

func (s *Store) writeRecords(batch *pebble.Batch, records []entities.Record) error {
	for _, record := range records {
		value, closer, err := batch.Get(idKey(record.ID))
		if err == nil {
			previousKey := entities.OrderKey(binary.BigEndian.Uint64(value))
			s.closeQuietly(closer)
			if previousKey != record.Key {
				if err := batch.Delete(recordKey(previousKey), nil); err != nil {
					return errors.Wrapf(err, "deleting moved record [%s]", record.ID)
				}
			}
		} else if !errors.Is(err, pebble.ErrNotFound) {
			return errors.Wrapf(err, "getting index entry [%s]", record.ID)
		}

		value, closer, err = batch.Get(recordKey(record.Key))
		if err == nil {
			previous, err := decodeRow(record.Key, value)
			s.closeQuietly(closer)
			if err != nil {
				return err
			}
			if previous.ID != record.ID {
				if err := batch.Delete(idKey(previous.ID), nil); err != nil {
					return errors.Wrapf(err, "deleting replaced index entry [%s]", previous.ID)
				}
			}
		} else if !errors.Is(err, pebble.ErrNotFound) {
			return errors.Wrapf(err, "getting record [%s]", record.Key)
		}

		if err := batch.Set(recordKey(record.Key), encodeRow(record), nil); err != nil {
			return errors.Wrapf(err, "setting record [%s]", record.Key)
		}
		if err := batch.Set(idKey(record.ID), binary.BigEndian.AppendUint64(nil, uint64(record.Key)), nil); err != nil {
			return errors.Wrapf(err, "setting index entry [%s]", record.ID)
		}
	}
	return nil
}

func commit(batch *pebble.Batch) error {
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "committing batch")
	}
	return nil
}

func (s *Store) closeQuietly(closer io.Closer) {
	if err := closer.Close(); err != nil {
		s.logger.Errorw("Error closing store resource", "error", err)
	}
}

func sentinelKey(sentinel byte) []byte {
	return []byte{sentinelPrefix, sentinel}
}

func recordKey(key entities.OrderKey) []byte {
	return binary.BigEndian.AppendUint64([]byte{recordPrefix}, uint64(key))
}

func parseRecordKey(key []byte) entities.OrderKey {
	return entities.OrderKey(binary.BigEndian.Uint64(key[1:]))
}

func idKey(id string) []byte {
	return append([]byte{idPrefix}, id...)
}

func recordBounds() *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte{recordPrefix},
		UpperBound: []byte{recordPrefix + 1},
	}
}

func encodeRow(record entities.Record) []byte {
	value := make([]byte, 0, len(record.ID)+len(record.Fingerprint)+len(record.Payload)+4)
	value = binary.AppendUvarint(value, uint64(len(record.ID)))
	value = append(value, record.ID...)
	value = binary.AppendUvarint(value, uint64(len(record.Fingerprint)))
	value = append(value, record.Fingerprint...)
	return append(value, record.Payload...)
}

func decodeRow(key entities.OrderKey, value []byte) (entities.Record, error) {
	id, rest, err := readField(value)
	if err != nil {
		return entities.Record{}, errors.Wrapf(entities.ErrCorruptRecord, "reading id of record [%s]: %v", key, err)
	}
	fingerprint, rest, err := readField(rest)
	if err != nil {
		return entities.Record{}, errors.Wrapf(entities.ErrCorruptRecord, "reading fingerprint of record [%s]: %v", key, err)
	}

	return entities.Record{
		Key:         key,
		ID:          string(id),
		Fingerprint: string(fingerprint),
		Payload:     append([]byte(nil), rest...),
	}, nil
}

func readField(value []byte) ([]byte, []byte, error) {
	length, n := binary.Uvarint(value)
	if n <= 0 {
		return nil, nil, errors.New("invalid length prefix")
	}
	if uint64(len(value)-n) < length {
		return nil, nil, errors.Errorf("field of length [%d] exceeds value", length)
	}
	end := n + int(length)
	return value[n:end], value[end:], nil
}

type Cursor struct {
	iter    *pebble.Iterator
	started bool
}

// Next advances the cursor. ok is false once the records are exhausted.
func (c *Cursor) Next() (record entities.Record, ok bool, err error) {
	if !c.started {
		c.started = true
		ok = c.iter.First()
	} else {
		ok = c.iter.Next()
	}
	if !ok {
		return entities.Record{}, false, c.iter.Error()
	}

	value, err := c.iter.ValueAndErr()
	if err != nil {
		return entities.Record{}, false, errors.Wrap(err, "getting value from iter")
	}
	record, err = decodeRow(parseRecordKey(c.iter.Key()), value)
	if err != nil {
		return entities.Record{}, false, err
	}
	return record, true, nil
}

func (c *Cursor) Close() error {
	return c.iter.Close()
}
