package entities

import "encoding/json"

const (
	TypeData     = 12
	TypeInvoke   = 16
	TypeEthereum = 18
)

const StatusSucceeded = "succeeded"

// RawTx is a transaction as listed by the node, before its in-block position is known.
type RawTx struct {
	ID        string
	Height    uint32
	Timestamp int64
	JSON      []byte
}

type Position struct {
	ID               string
	TransactionIndex uint32
	Proof            []byte
}

// FetchedTx is a transaction with its order key and the fingerprint of the
// position proof the key was derived from.
type FetchedTx struct {
	Key         OrderKey
	ID          string
	Fingerprint string
	Height      uint32
	Timestamp   int64
	JSON        []byte
}

// Record is the stored form of a transaction. Payload is compressed.
type Record struct {
	Key         OrderKey
	ID          string
	Fingerprint string
	Payload     []byte
}

// Matches reports whether a refetched transaction is the same one stored in the record.
func (r Record) Matches(tx FetchedTx) bool {
	return r.Key == tx.Key && r.ID == tx.ID && r.Fingerprint == tx.Fingerprint
}

type RecordCursor interface {
	Next() (Record, bool, error)
	Close() error
}

type Transaction struct {
	ID                string        `json:"id"`
	Type              int           `json:"type"`
	Sender            string        `json:"sender"`
	Height            uint32        `json:"height"`
	Timestamp         int64         `json:"timestamp"`
	ApplicationStatus string        `json:"applicationStatus"`
	DApp              string        `json:"dApp,omitempty"`
	Call              *Call         `json:"call,omitempty"`
	Payment           []Payment     `json:"payment,omitempty"`
	Data              []DataEntry   `json:"data,omitempty"`
	StateChanges      *StateChanges `json:"stateChanges,omitempty"`
	Payload           *Invocation   `json:"payload,omitempty"`

	Key   OrderKey        `json:"-"`
	Index uint32          `json:"-"`
	Raw   json.RawMessage `json:"-"`
}

// Invocation returns the contract call carried directly by an invoke script transaction.
func (tx *Transaction) Invocation() *Invocation {
	return &Invocation{
		DApp:         tx.DApp,
		Call:         tx.Call,
		Payment:      tx.Payment,
		StateChanges: tx.StateChanges,
	}
}

type Invocation struct {
	Type         string        `json:"type,omitempty"`
	DApp         string        `json:"dApp"`
	Call         *Call         `json:"call,omitempty"`
	Payment      []Payment     `json:"payment,omitempty"`
	StateChanges *StateChanges `json:"stateChanges,omitempty"`

	Caller       string `json:"-"`
	OriginCaller string `json:"-"`
}

func (inv *Invocation) Function() string {
	if inv.Call == nil {
		return "default"
	}
	return inv.Call.Function
}

type Call struct {
	Function string     `json:"function"`
	Args     []Argument `json:"args"`
}

type Argument struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type Payment struct {
	Amount  int64   `json:"amount"`
	AssetID *string `json:"assetId"`
}

type StateChanges struct {
	Data      []DataEntry       `json:"data"`
	Transfers []json.RawMessage `json:"transfers,omitempty"`
	Invokes   []Invocation      `json:"invokes,omitempty"`
}

type DataEntry struct {
	Key   string          `json:"key"`
	Type  string          `json:"type,omitempty"`
	Value json.RawMessage `json:"value"`
}

// ReplayEvent is the exported form of a dispatched transaction or invocation.
type ReplayEvent struct {
	Key          uint64          `json:"key"`
	Height       uint32          `json:"height"`
	Index        uint32          `json:"index"`
	ID           string          `json:"id"`
	Type         int             `json:"type"`
	Sender       string          `json:"sender"`
	DApp         string          `json:"dApp,omitempty"`
	Function     string          `json:"function,omitempty"`
	Caller       string          `json:"caller,omitempty"`
	OriginCaller string          `json:"originCaller,omitempty"`
	Transaction  json.RawMessage `json:"transaction,omitempty"`
}
