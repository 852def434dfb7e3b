package replay

import "github.com/waves-tools/go-reproduce/entities"

// Dispatch is passed to a handler for one transaction or invocation.
type Dispatch struct {
	// Tx is the top level transaction being replayed.
	Tx *entities.Transaction
	// Invocation is the call being handled, set for invocations only.
	Invocation *entities.Invocation
	State      *Projection
	stop       func()
}

// Stop ends the replay before the next transaction.
func (d *Dispatch) Stop() {
	d.stop()
}

func (d *Dispatch) Event() entities.ReplayEvent {
	event := entities.ReplayEvent{
		Key:         uint64(d.Tx.Key),
		Height:      d.Tx.Key.Height(),
		Index:       d.Tx.Index,
		ID:          d.Tx.ID,
		Type:        d.Tx.Type,
		Sender:      d.Tx.Sender,
		Transaction: d.Tx.Raw,
	}
	if d.Invocation != nil {
		event.Type = entities.TypeInvoke
		event.DApp = d.Invocation.DApp
		event.Function = d.Invocation.Function()
		event.Caller = d.Invocation.Caller
		event.OriginCaller = d.Invocation.OriginCaller
	}
	return event
}
