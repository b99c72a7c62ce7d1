// Package token is a minimal fungible token: balances, allowances, mint and
// burn. It backs collateral adapters, the credit adapter and the
// governance token of the surplus and deficit auctions.
package token

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/model"
)

// Privileged operations.
const (
	OpMint auth.Op = "token.mint"
	OpBurn auth.Op = "token.burn"
)

var (
	ErrInsufficientBalance   = model.Invariant("token: insufficient balance")
	ErrInsufficientAllowance = model.Unauthorized("token: insufficient allowance")
)

// maxAllowance never decreases.
var maxAllowance = new(uint256.Int).SetAllOne()

type allowanceKey struct {
	owner, spender model.Address
}

// Token is one fungible token [wad].
type Token struct {
	addr   model.Address
	symbol string
	auth   auth.Authority
	j      *journal.Journal

	balances   map[model.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     *uint256.Int
}

// New creates an empty token. The authority gates Mint and Burn.
func New(addr model.Address, symbol string, a auth.Authority, j *journal.Journal) *Token {
	return &Token{
		addr:       addr,
		symbol:     symbol,
		auth:       a,
		j:          j,
		balances:   make(map[model.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		supply:     fixed.Zero(),
	}
}

// Address returns the token's identity.
func (t *Token) Address() model.Address { return t.addr }

// Symbol returns the ticker.
func (t *Token) Symbol() string { return t.symbol }

// BalanceOf returns the balance of usr.
func (t *Token) BalanceOf(usr model.Address) *uint256.Int { return t.balance(usr).Clone() }

// Allowance returns what spender may move on behalf of owner.
func (t *Token) Allowance(owner, spender model.Address) *uint256.Int {
	if a, ok := t.allowances[allowanceKey{owner, spender}]; ok {
		return a.Clone()
	}
	return fixed.Zero()
}

// TotalSupply returns the total minted minus burned.
func (t *Token) TotalSupply() *uint256.Int { return t.supply.Clone() }

// Approve lets spender move up to amt of the caller's tokens. An amount of
// 2^256-1 never decreases.
func (t *Token) Approve(caller, spender model.Address, amt *uint256.Int) error {
	return t.j.Atomic(func() error {
		journal.Put(t.j, t.allowances, allowanceKey{caller, spender}, amt.Clone())
		return nil
	})
}

// ApproveMax gives spender an unlimited allowance.
func (t *Token) ApproveMax(caller, spender model.Address) error {
	return t.Approve(caller, spender, maxAllowance)
}

// Transfer moves amt from the caller to dst.
func (t *Token) Transfer(caller, dst model.Address, amt *uint256.Int) error {
	return t.TransferFrom(caller, caller, dst, amt)
}

// TransferFrom moves amt from src to dst, spending the caller's allowance
// when the caller is not src.
func (t *Token) TransferFrom(caller, src, dst model.Address, amt *uint256.Int) error {
	return t.j.Atomic(func() error {
		if err := t.spend(caller, src, amt); err != nil {
			return err
		}
		from, err := fixed.Sub(t.balance(src), amt)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInsufficientBalance, src)
		}
		journal.Put(t.j, t.balances, src, from)
		to, err := fixed.Add(t.balance(dst), amt)
		if err != nil {
			return err
		}
		journal.Put(t.j, t.balances, dst, to)
		return nil
	})
}

// Mint creates amt for dst.
func (t *Token) Mint(caller, dst model.Address, amt *uint256.Int) error {
	if err := auth.Require(t.auth, caller, OpMint); err != nil {
		return err
	}
	return t.j.Atomic(func() error {
		to, err := fixed.Add(t.balance(dst), amt)
		if err != nil {
			return err
		}
		supply, err := fixed.Add(t.supply, amt)
		if err != nil {
			return err
		}
		journal.Put(t.j, t.balances, dst, to)
		journal.Set(t.j, &t.supply, supply)
		return nil
	})
}

// Burn destroys amt held by src, spending the caller's allowance when the
// caller is not src.
func (t *Token) Burn(caller, src model.Address, amt *uint256.Int) error {
	if err := auth.Require(t.auth, caller, OpBurn); err != nil {
		return err
	}
	return t.j.Atomic(func() error {
		if err := t.spend(caller, src, amt); err != nil {
			return err
		}
		from, err := fixed.Sub(t.balance(src), amt)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInsufficientBalance, src)
		}
		journal.Put(t.j, t.balances, src, from)
		journal.Set(t.j, &t.supply, new(uint256.Int).Sub(t.supply, amt))
		return nil
	})
}

func (t *Token) spend(caller, src model.Address, amt *uint256.Int) error {
	if caller == src {
		return nil
	}
	k := allowanceKey{src, caller}
	a, ok := t.allowances[k]
	if !ok {
		a = fixed.Zero()
	}
	if a.Lt(amt) {
		return fmt.Errorf("%w: %s for %s", ErrInsufficientAllowance, caller, src)
	}
	if !a.Eq(maxAllowance) {
		journal.Put(t.j, t.allowances, k, new(uint256.Int).Sub(a, amt))
	}
	return nil
}

func (t *Token) balance(usr model.Address) *uint256.Int {
	if b, ok := t.balances[usr]; ok {
		return b
	}
	return fixed.Zero()
}
