// Package auth gates privileged operations.
//
// Components never decide on their own who may call init, seize, fold or a
// parameter setter; they ask an Authority before touching any state.
package auth

import (
	"fmt"
	"sync"

	"github.com/atmx/cdp-engine/internal/model"
)

// ErrNotAuthorized is returned when the caller lacks the required grant.
var ErrNotAuthorized = model.Unauthorized("auth: not authorized")

// Op names one privileged operation, e.g. "ledger.seize".
type Op string

// Authority answers whether caller may perform op.
type Authority interface {
	IsAuthorized(caller model.Address, op Op) bool
}

// Require returns ErrNotAuthorized unless a authorises caller for op.
// A nil Authority authorises nothing.
func Require(a Authority, caller model.Address, op Op) error {
	if a == nil || !a.IsAuthorized(caller, op) {
		return fmt.Errorf("%w: %s for %q", ErrNotAuthorized, op, caller)
	}
	return nil
}

// Registry is the reference Authority. Wards are authorised for every
// operation; grants authorise a single operation.
type Registry struct {
	mu     sync.RWMutex
	wards  map[model.Address]bool
	grants map[model.Address]map[Op]bool
}

// NewRegistry creates a registry with the given wards.
func NewRegistry(wards ...model.Address) *Registry {
	r := &Registry{
		wards:  make(map[model.Address]bool),
		grants: make(map[model.Address]map[Op]bool),
	}
	for _, w := range wards {
		r.wards[w] = true
	}
	return r
}

// Rely makes addr a ward.
func (r *Registry) Rely(addr model.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wards[addr] = true
}

// Deny removes addr from the wards.
func (r *Registry) Deny(addr model.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.wards, addr)
}

// Grant authorises addr for the given operations.
func (r *Registry) Grant(addr model.Address, ops ...Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grants[addr]
	if !ok {
		g = make(map[Op]bool)
		r.grants[addr] = g
	}
	for _, op := range ops {
		g[op] = true
	}
}

// Revoke withdraws the given operations from addr.
func (r *Registry) Revoke(addr model.Address, ops ...Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range ops {
		delete(r.grants[addr], op)
	}
}

// IsAuthorized implements Authority.
func (r *Registry) IsAuthorized(caller model.Address, op Op) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.wards[caller] || r.grants[caller][op]
}
