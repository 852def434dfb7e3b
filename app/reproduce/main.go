package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"github.com/waves-tools/go-reproduce/business/domain/export"
	"github.com/waves-tools/go-reproduce/business/domain/replay"
	"github.com/waves-tools/go-reproduce/business/domain/reproduce"
	"github.com/waves-tools/go-reproduce/business/domain/syncer"
	"github.com/waves-tools/go-reproduce/entities"
	"github.com/waves-tools/go-reproduce/external/elastic"
	"github.com/waves-tools/go-reproduce/external/gateway"
	"github.com/waves-tools/go-reproduce/external/kafka"
	"github.com/waves-tools/go-reproduce/external/node"
	"github.com/waves-tools/go-reproduce/infrastructure/store/pebbledb"
	"github.com/waves-tools/go-reproduce/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const prefix = "WAVES_REPRODUCE"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	config := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	var cfg struct {
		Node struct {
			Address        string        `conf:"default:https://nodes.wavesnodes.com"`
			ApiKey         string        `conf:"optional,mask"`
			RequestTimeout time.Duration `conf:"default:20s"`
			RetryDelay     time.Duration `conf:"default:3s"`
			HeightCacheTTL time.Duration `conf:"default:1s"`
		}
		Accounts struct {
			Primary      string   `conf:"required"`
			Dependencies []string `conf:"optional"`
		}
		Sync struct {
			StoreFolder    string        `conf:"default:store"`
			BatchSize      int           `conf:"default:100"`
			Stability      uint32        `conf:"default:10"`
			MaxRestarts    int           `conf:"default:10"`
			NrWorkers      int           `conf:"default:1"`
			UpdateInterval time.Duration `conf:"default:1m"`
		}
		Replay struct {
			Enabled      bool          `conf:"default:false"`
			FromHeight   uint32        `conf:"default:0"`
			FromIndex    uint32        `conf:"default:0"`
			ExportTypes  []int         `conf:"default:4;12;16"`
			BatchSize    int           `conf:"default:100"`
			WriteTimeout time.Duration `conf:"default:5m"`
		}
		Kafka struct {
			Enabled          bool     `conf:"default:false"`
			BootstrapServers []string `conf:"default:localhost:9092"`
			EventTopic       string   `conf:"default:waves-replay-events"`
		}
		Elastic struct {
			Enabled   bool          `conf:"default:false"`
			Addresses []string      `conf:"default:https://localhost:9200"`
			Username  string        `conf:"default:waves-ingestion"`
			Password  string        `conf:"optional,mask"`
			Index     string        `conf:"default:waves-account-data"`
			Timeout   time.Duration `conf:"default:30s"`
		}
		MetricsNamespace string `conf:"default:waves_reproduce"`
		MetricsPort      int    `conf:"default:9999"`
	}

	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %v", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %v", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %v", err)
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %v", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	m := metrics.NewMetrics(cfg.MetricsNamespace)

	stores := pebbledb.NewStores(cfg.Sync.StoreFolder, sLogger)
	defer func() {
		if err := stores.Close(); err != nil {
			sLogger.Errorw("Error closing stores", "error", err)
		}
	}()
	open := func(account string) (reproduce.Store, error) {
		return stores.Open(account)
	}

	nodeClient := node.NewClient(cfg.Node.Address, cfg.Node.ApiKey, cfg.Node.RequestTimeout)
	ledger := gateway.NewGateway(nodeClient, gateway.Config{
		RequestTimeout: cfg.Node.RequestTimeout,
		RetryDelay:     cfg.Node.RetryDelay,
		HeightCacheTTL: cfg.Node.HeightCacheTTL,
	}, sLogger)
	syncEngine := syncer.NewEngine(ledger, syncer.Config{
		BatchSize:   cfg.Sync.BatchSize,
		Stability:   cfg.Sync.Stability,
		MaxRestarts: cfg.Sync.MaxRestarts,
	}, sLogger, m)
	reproducer := reproduce.New(open, syncEngine, replay.NewEngine(sLogger, m), sLogger, cfg.Accounts.Primary, cfg.Accounts.Dependencies...)

	var publisher export.EventPublisher
	if cfg.Kafka.Enabled {
		kafkaMetrics := kprom.NewMetrics(cfg.MetricsNamespace,
			kprom.Registerer(prometheus.DefaultRegisterer),
			kprom.Gatherer(prometheus.DefaultGatherer))
		kcl, err := kgo.NewClient(
			kgo.WithHooks(kafkaMetrics),
			kgo.DefaultProduceTopic(cfg.Kafka.EventTopic),
			kgo.SeedBrokers(cfg.Kafka.BootstrapServers...),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka client")
		}
		defer kcl.Close()
		publisher = kafka.NewClient(kcl, sLogger)
	}

	var indexer export.ProjectionIndexer
	if cfg.Elastic.Enabled {
		esClient, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses: cfg.Elastic.Addresses,
			Username:  cfg.Elastic.Username,
			Password:  cfg.Elastic.Password,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   10,
				ResponseHeaderTimeout: cfg.Elastic.Timeout,
				TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
			},
		})
		if err != nil {
			return errors.Wrap(err, "creating elasticsearch client")
		}
		indexer = elastic.NewClient(esClient, cfg.Elastic.Index, sLogger)
	}
	exporter := export.NewExporter(publisher, indexer, cfg.Replay.BatchSize, cfg.Replay.WriteTimeout, sLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	procErrors := make(chan error, 1)
	go func() {
		procErrors <- loop(ctx, cfg.Sync.UpdateInterval, sLogger, func(ctx context.Context) error {
			if err := reproducer.UpdateParallel(ctx, cfg.Sync.NrWorkers); err != nil {
				return errors.Wrap(err, "updating accounts")
			}
			if !cfg.Replay.Enabled {
				return nil
			}
			handlers := exporter.Handlers(ctx, replay.NewHandlers(), cfg.Replay.ExportTypes...)
			if err := reproducer.Replay(ctx, handlers, cfg.Replay.FromHeight, cfg.Replay.FromIndex); err != nil {
				return errors.Wrap(err, "replaying accounts")
			}
			if err := exporter.Flush(ctx); err != nil {
				return errors.Wrap(err, "flushing replay events")
			}
			return exporter.ExportProjection(ctx, reproducer.State())
		})
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("main: Starting status and metrics endpoint on port [%d]", cfg.MetricsPort)
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		http.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
			status, err := accountStatus(reproducer.Accounts(), stores)
			if err != nil {
				http.Error(w, fmt.Sprintf("getting account status: %v", err), http.StatusInternalServerError)
				return
			}
			data, err := json.Marshal(map[string]any{"accounts": status})
			if err != nil {
				http.Error(w, fmt.Sprintf("marshalling response: %v", err), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, err = w.Write(data)
			if err != nil {
				http.Error(w, fmt.Sprintf("writing response: %v", err), http.StatusInternalServerError)
				return
			}
		})
		http.Handle("/metrics", promhttp.Handler())
		serverErr <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), nil)
	}()

	for {
		select {
		case <-shutdown:
			cancel()
			reproducer.Stop()
			return errors.New("shutting down")
		case err := <-procErrors:
			return fmt.Errorf("processing error: %v", err)
		case err := <-serverErr:
			return fmt.Errorf("server error: %v", err)
		}
	}
}

// loop runs cycle immediately and then every interval. A failed cycle is logged and retried on
// the next tick, only cancellation ends the loop.
func loop(ctx context.Context, interval time.Duration, logger *zap.SugaredLogger, cycle func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		start := time.Now()
		if err := cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Errorw("Error running update cycle", "error", err)
		} else {
			logger.Infow("Finished update cycle", "duration", time.Since(start))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type accountState struct {
	Synced bool   `json:"synced"`
	Height uint32 `json:"height"`
}

func accountStatus(accounts []string, stores *pebbledb.Stores) (map[string]accountState, error) {
	status := make(map[string]accountState, len(accounts))
	for _, account := range accounts {
		store, err := stores.Open(account)
		if err != nil {
			return nil, err
		}
		var state accountState
		_, state.Synced, err = store.Checkpoint()
		if err != nil && !errors.Is(err, entities.ErrStoreEntityNotFound) {
			return nil, errors.Wrapf(err, "getting checkpoint of [%s]", account)
		}
		state.Height, err = store.Height()
		if err != nil && !errors.Is(err, entities.ErrStoreEntityNotFound) {
			return nil, errors.Wrapf(err, "getting height of [%s]", account)
		}
		status[account] = state
	}
	return status, nil
}
