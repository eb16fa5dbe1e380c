package netkit

import (
	"sync/atomic"
)

// Cancelable is a shared advisory cancelation flag. It is copied by
// value into every suspended continuation; observing any copy sees the
// same flag. Canceling does not abort the operation that returned the
// token, it only tells stale completions to discard themselves.
//
// The zero value is inert: Cancel is a no-op and Canceled reports false.
type Cancelable struct {
	flag *uint32
}

// NewCancelable returns an active token.
func NewCancelable() Cancelable {
	return Cancelable{flag: new(uint32)}
}

// Cancel marks every copy of the token as canceled. Canceling twice,
// or after the guarded operation completed, is a no-op.
func (c Cancelable) Cancel() {
	if c.flag != nil {
		atomic.StoreUint32(c.flag, 1)
	}
}

// Canceled reports whether Cancel was called on any copy.
func (c Cancelable) Canceled() bool {
	return c.flag != nil && atomic.LoadUint32(c.flag) == 1
}
