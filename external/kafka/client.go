package kafka

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/waves-tools/go-reproduce/entities"
	"go.uber.org/zap"
)

type KafkaClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

type Client struct {
	kcl    KafkaClient
	logger *zap.SugaredLogger
}

func NewClient(kafkaClient KafkaClient, logger *zap.SugaredLogger) *Client {
	return &Client{
		kcl:    kafkaClient,
		logger: logger,
	}
}

// PublishEvents produces one record per event and waits for all of them to be acknowledged.
func (kc *Client) PublishEvents(ctx context.Context, events []entities.ReplayEvent) error {
	wg := sync.WaitGroup{}
	errorChannel := make(chan error, len(events))

	for _, event := range events {
		record, err := createEventRecord(event)
		if err != nil {
			kc.logger.Errorw("Error while creating event record", "id", event.ID, "error", err)
			errorChannel <- err
			break
		}

		wg.Add(1)
		kc.kcl.Produce(ctx, record, func(_ *kgo.Record, err error) {
			defer wg.Done()
			if err != nil {
				kc.logger.Errorw("Error while producing event record", "id", event.ID, "error", err)
				errorChannel <- err
			}
		})
	}

	wg.Wait()
	close(errorChannel)

	var failed int
	var first error
	for err := range errorChannel {
		if first == nil {
			first = err
		}
		failed++
	}
	if first != nil {
		return errors.Wrapf(first, "producing event records: [%d] failed", failed)
	}
	return nil
}

// the big endian order key keeps records of one block together and sorted by key
func createEventRecord(event entities.ReplayEvent) (*kgo.Record, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling event to json")
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, event.Key)

	return &kgo.Record{
		Key:   key,
		Value: payload,
	}, nil
}
