package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/model"
)

// ModifyCollateralBalance (slip) adds the signed wad to usr's free
// collateral. Adapters call it when tokens enter or leave the system.
func (l *Ledger) ModifyCollateralBalance(caller model.Address, i model.Ilk, usr model.Address, wad *uint256.Int) error {
	if err := l.requireAuth(caller, OpSlip); err != nil {
		return err
	}
	return l.j.Atomic(func() error {
		gem, err := fixed.AddSigned(l.gemOf(i, usr), wad)
		if err != nil {
			return shortfall(err, "collateral", usr)
		}
		l.setGem(i, usr, gem)
		return nil
	})
}

// TransferCollateral (flux) moves free collateral from src to dst.
func (l *Ledger) TransferCollateral(caller model.Address, i model.Ilk, src, dst model.Address, wad *uint256.Int) error {
	return l.j.Atomic(func() error {
		if !l.CanModify(src, caller) {
			return fmt.Errorf("%w: collateral source %s", ErrNotAllowed, src)
		}
		from, err := fixed.Sub(l.gemOf(i, src), wad)
		if err != nil {
			return shortfall(err, "collateral", src)
		}
		l.setGem(i, src, from)
		to, err := fixed.Add(l.gemOf(i, dst), wad)
		if err != nil {
			return err
		}
		l.setGem(i, dst, to)
		return nil
	})
}

// TransferCredit (move) moves rad of credit from src to dst.
func (l *Ledger) TransferCredit(caller, src, dst model.Address, rad *uint256.Int) error {
	return l.j.Atomic(func() error {
		if !l.CanModify(src, caller) {
			return fmt.Errorf("%w: credit source %s", ErrNotAllowed, src)
		}
		from, err := fixed.Sub(balance(l.dai, src), rad)
		if err != nil {
			return shortfall(err, "credit", src)
		}
		l.setDai(src, from)
		to, err := fixed.Add(balance(l.dai, dst), rad)
		if err != nil {
			return err
		}
		l.setDai(dst, to)
		return nil
	})
}

// Settle (heal) cancels rad of the caller's unbacked debt against the same
// amount of its credit.
func (l *Ledger) Settle(caller model.Address, rad *uint256.Int) error {
	return l.j.Atomic(func() error {
		sin, err := fixed.Sub(balance(l.sin, caller), rad)
		if err != nil {
			return shortfall(err, "unbacked debt", caller)
		}
		dai, err := fixed.Sub(balance(l.dai, caller), rad)
		if err != nil {
			return shortfall(err, "credit", caller)
		}
		vice, err := fixed.Sub(l.vice, rad)
		if err != nil {
			return err
		}
		debt, err := fixed.Sub(l.debt, rad)
		if err != nil {
			return err
		}
		l.setSin(caller, sin)
		l.setDai(caller, dai)
		l.setVice(vice)
		l.setDebt(debt)
		return nil
	})
}

// IssueUnbacked (suck) mints rad of credit to v against the same amount of
// unbacked debt on u.
func (l *Ledger) IssueUnbacked(caller, u, v model.Address, rad *uint256.Int) error {
	if err := l.requireAuth(caller, OpIssue); err != nil {
		return err
	}
	return l.j.Atomic(func() error {
		sin, err := fixed.Add(balance(l.sin, u), rad)
		if err != nil {
			return err
		}
		l.setSin(u, sin)
		dai, err := fixed.Add(balance(l.dai, v), rad)
		if err != nil {
			return err
		}
		l.setDai(v, dai)
		vice, err := fixed.Add(l.vice, rad)
		if err != nil {
			return err
		}
		debt, err := fixed.Add(l.debt, rad)
		if err != nil {
			return err
		}
		l.setVice(vice)
		l.setDebt(debt)
		return nil
	})
}

// ApplyRate (fold) changes the rate of ilk i by the signed ray delta and
// credits (or debits) u with the resulting change in total debt.
func (l *Ledger) ApplyRate(caller model.Address, i model.Ilk, u model.Address, rate *uint256.Int) error {
	if err := l.requireAuth(caller, OpApplyRate); err != nil {
		return err
	}
	return l.j.Atomic(func() error {
		if !l.live {
			return ErrNotLive
		}
		ilk, ok := l.ilks[i]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotInitialized, i)
		}
		newRate, err := fixed.AddSigned(ilk.Rate, rate)
		if err != nil {
			return err
		}
		rad, err := fixed.MulSigned(ilk.NormalizedDebt, rate)
		if err != nil {
			return err
		}
		dai, err := fixed.AddSigned(balance(l.dai, u), rad)
		if err != nil {
			return err
		}
		debt, err := fixed.AddSigned(l.debt, rad)
		if err != nil {
			return err
		}
		ilk.Rate = newRate
		l.putIlk(i, ilk)
		l.setDai(u, dai)
		l.setDebt(debt)

		l.emit("fold", i, u, map[string]string{
			"rate": fixed.Format(newRate, fixed.RayDecimals),
		})
		return nil
	})
}

// shortfall names an underflowing balance as ErrInsufficient, keeping the
// arithmetic cause in the chain.
func shortfall(err error, what string, who model.Address) error {
	if !errors.Is(err, fixed.ErrUnderflow) {
		return err
	}
	return fmt.Errorf("%w: %s of %s: %w", ErrInsufficient, what, who, err)
}

func (l *Ledger) requireAuth(caller model.Address, op auth.Op) error {
	return auth.Require(l.auth, caller, op)
}

func (l *Ledger) putIlk(i model.Ilk, ilk CollateralType) { journal.Put(l.j, l.ilks, i, ilk) }

func (l *Ledger) setDebt(rad *uint256.Int) { journal.Set(l.j, &l.debt, rad) }

func (l *Ledger) setVice(rad *uint256.Int) { journal.Set(l.j, &l.vice, rad) }
