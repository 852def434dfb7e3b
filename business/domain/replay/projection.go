package replay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/waves-tools/go-reproduce/entities"
)

const binaryPrefix = "base64:"

// Projection is the data storage of the tracked accounts as of the replayed transaction.
// Values are string, int64, bool or []byte.
type Projection struct {
	state map[string]map[string]any
}

func NewProjection(accounts []string) *Projection {
	state := make(map[string]map[string]any, len(accounts))
	for _, account := range accounts {
		state[account] = make(map[string]any)
	}
	return &Projection{state: state}
}

// Apply writes the data entries to the storage of address. Untracked addresses are ignored.
func (p *Projection) Apply(address string, entries []entities.DataEntry) error {
	storage, ok := p.state[address]
	if !ok {
		return nil
	}
	for _, entry := range entries {
		value, err := decodeValue(entry)
		if err != nil {
			return errors.Wrapf(entities.ErrCorruptRecord, "decoding entry [%s] of [%s]: %v", entry.Key, address, err)
		}
		if value == nil {
			delete(storage, entry.Key)
			continue
		}
		storage[entry.Key] = value
	}
	return nil
}

func (p *Projection) Get(address, key string) (any, bool) {
	value, ok := p.state[address][key]
	return value, ok
}

// Account returns a copy of the storage of address.
func (p *Projection) Account(address string) map[string]any {
	return maps.Clone(p.state[address])
}

func (p *Projection) Accounts() []string {
	return slices.Sorted(maps.Keys(p.state))
}

func decodeValue(entry entities.DataEntry) (any, error) {
	raw := bytes.TrimSpace(entry.Value)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch entry.Type {
	case "integer":
		var value int64
		err := json.Unmarshal(raw, &value)
		return value, err
	case "boolean":
		var value bool
		err := json.Unmarshal(raw, &value)
		return value, err
	case "binary":
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(value, binaryPrefix))
	case "string":
		var value string
		err := json.Unmarshal(raw, &value)
		return value, err
	default:
		return nil, errors.Errorf("unknown type [%s]", entry.Type)
	}
}
