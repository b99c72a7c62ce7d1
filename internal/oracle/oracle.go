// Package oracle provides a settable price source with a validity flag, the
// reference implementation of the feed the price feed reads from.
package oracle

import (
	"errors"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/fixed"
)

// ErrInvalidPrice is returned by Read when no valid price is set.
var ErrInvalidPrice = errors.New("oracle: invalid price")

// Oracle is a raw price source for one collateral type [wad].
type Oracle interface {
	Peek() (*uint256.Int, bool)
}

// Value is a settable Oracle. It is safe for concurrent use so a price
// updater can run beside the serialised engine.
type Value struct {
	mu  sync.RWMutex
	val *uint256.Int
	has bool
}

// NewValue creates a feed with no valid price.
func NewValue() *Value {
	return &Value{val: fixed.Zero()}
}

// Poke sets a valid price.
func (v *Value) Poke(wad *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.val = wad.Clone()
	v.has = true
}

// Void invalidates the price.
func (v *Value) Void() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.has = false
}

// Peek implements Oracle.
func (v *Value) Peek() (*uint256.Int, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.val.Clone(), v.has
}

// Read returns the price or ErrInvalidPrice.
func (v *Value) Read() (*uint256.Int, error) {
	val, ok := v.Peek()
	if !ok {
		return nil, ErrInvalidPrice
	}
	return val, nil
}
