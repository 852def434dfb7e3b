package entities

import "errors"

var ErrStoreEntityNotFound = errors.New("store resource not found")
var ErrTransactionNotFound = errors.New("transaction not found on chain")
var ErrCorruptRecord = errors.New("corrupt stored record")
var ErrNotSynced = errors.New("account store is not synchronized")
var ErrPersistentDivergence = errors.New("account history did not converge")

var ErrAccountsFixed = errors.New("tracked accounts cannot change once synchronization started")
