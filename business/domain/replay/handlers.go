package replay

import "github.com/waves-tools/go-reproduce/entities"

// Wildcard registers a handler for any address or any function.
const Wildcard = "*"

type Handler func(d *Dispatch)

// Handlers is the table of callbacks invoked while replaying. A slot holds one handler,
// registering again replaces it. Registering a nil handler has no effect.
type Handlers struct {
	byType map[int]map[string]Handler
	// dApp -> function -> handler, Wildcard as function for any function of the dApp
	invoke       map[string]map[string]Handler
	globalInvoke Handler
}

func NewHandlers() *Handlers {
	return &Handlers{
		byType: make(map[int]map[string]Handler),
		invoke: make(map[string]map[string]Handler),
	}
}

// Handle registers fn for transactions of the type sent by address. Invocations are
// registered per dApp.
func (h *Handlers) Handle(txType int, address string, fn Handler) *Handlers {
	if fn == nil {
		return h
	}
	if txType == entities.TypeInvoke {
		return h.HandleInvoke(address, Wildcard, fn)
	}
	handlers, ok := h.byType[txType]
	if !ok {
		handlers = make(map[string]Handler)
		h.byType[txType] = handlers
	}
	handlers[address] = fn
	return h
}

// HandleInvoke registers fn for calls of function on dApp. A Wildcard dApp receives every
// invocation.
func (h *Handlers) HandleInvoke(dApp, function string, fn Handler) *Handlers {
	if fn == nil {
		return h
	}
	if dApp == Wildcard {
		h.globalInvoke = fn
		return h
	}
	functions, ok := h.invoke[dApp]
	if !ok {
		functions = make(map[string]Handler)
		h.invoke[dApp] = functions
	}
	functions[function] = fn
	return h
}

func (h *Handlers) handles(txType int) bool {
	if txType == entities.TypeInvoke {
		return h.globalInvoke != nil || len(h.invoke) > 0
	}
	return len(h.byType[txType]) > 0
}

// invocationHandlers returns the handlers for a call from most to least specific.
func (h *Handlers) invocationHandlers(dApp, function string) []Handler {
	var matched []Handler
	if functions, ok := h.invoke[dApp]; ok {
		if fn, ok := functions[function]; ok {
			matched = append(matched, fn)
		}
		if function != Wildcard {
			if fn, ok := functions[Wildcard]; ok {
				matched = append(matched, fn)
			}
		}
	}
	if h.globalInvoke != nil {
		matched = append(matched, h.globalInvoke)
	}
	return matched
}

func (h *Handlers) transactionHandlers(txType int, sender string) []Handler {
	var matched []Handler
	handlers := h.byType[txType]
	if fn, ok := handlers[sender]; ok {
		matched = append(matched, fn)
	}
	if fn, ok := handlers[Wildcard]; ok && sender != Wildcard {
		matched = append(matched, fn)
	}
	return matched
}
