package pebbledb

import (
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Stores opens one store per account below a common folder and keeps it open until Close.
type Stores struct {
	dir    string
	mutex  sync.Mutex
	stores map[string]*Store
	logger *zap.SugaredLogger
}

func NewStores(dir string, logger *zap.SugaredLogger) *Stores {
	return &Stores{
		dir:    dir,
		stores: make(map[string]*Store),
		logger: logger,
	}
}

func StoreName(account string) string {
	return "rp_" + account
}

func (s *Stores) Open(account string) (*Store, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if store, ok := s.stores[account]; ok {
		return store, nil
	}
	store, err := NewStore(filepath.Join(s.dir, StoreName(account)), s.logger)
	if err != nil {
		return nil, errors.Wrapf(err, "opening store for account [%s]", account)
	}
	s.stores[account] = store
	return store, nil
}

func (s *Stores) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var firstErr error
	for account, store := range s.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing store for account [%s]", account)
		}
		delete(s.stores, account)
	}
	return firstErr
}
