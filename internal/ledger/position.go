package ledger

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/model"
)

// ModifyPosition (frob) changes the position of u in ilk i by dink
// collateral and dart normalised debt. Collateral comes from (or goes to) the
// free balance of v; the resulting credit goes to (or comes from) w.
// dink and dart are signed.
//
// Checks run in a fixed order: ceilings, safety, owner consent, collateral
// source consent, credit destination consent, debt floor.
func (l *Ledger) ModifyPosition(caller model.Address, i model.Ilk, u, v, w model.Address, dink, dart *uint256.Int) error {
	return l.j.Atomic(func() error {
		if !l.live {
			return ErrNotLive
		}
		ilk, ok := l.ilks[i]
		if !ok || ilk.Rate.IsZero() {
			return fmt.Errorf("%w: %s", ErrNotInitialized, i)
		}
		urn := l.urnOf(i, u)

		ink, err := fixed.AddSigned(urn.Collateral, dink)
		if err != nil {
			return err
		}
		art, err := fixed.AddSigned(urn.NormalizedDebt, dart)
		if err != nil {
			return err
		}
		totalArt, err := fixed.AddSigned(ilk.NormalizedDebt, dart)
		if err != nil {
			return err
		}
		dtab, err := fixed.MulSigned(ilk.Rate, dart)
		if err != nil {
			return err
		}
		tab, err := fixed.Mul(ilk.Rate, art)
		if err != nil {
			return err
		}
		debt, err := fixed.AddSigned(l.debt, dtab)
		if err != nil {
			return err
		}

		if fixed.IsPos(dart) {
			ilkDebt, err := fixed.Mul(totalArt, ilk.Rate)
			if err != nil {
				return err
			}
			if ilkDebt.Gt(ilk.DebtCeiling) || debt.Gt(l.line) {
				return fmt.Errorf("%w: ilk %s", ErrCeilingExceeded, i)
			}
		}
		lessRisky := !fixed.IsPos(dart) && !fixed.IsNeg(dink)
		if !lessRisky {
			value, err := fixed.Mul(ink, ilk.SafetyPrice)
			if err != nil {
				return err
			}
			if tab.Gt(value) {
				return fmt.Errorf("%w: ilk %s owner %s", ErrUnsafe, i, u)
			}
			if !l.CanModify(u, caller) {
				return fmt.Errorf("%w: position owner %s", ErrNotAllowed, u)
			}
		}
		if fixed.IsPos(dink) && !l.CanModify(v, caller) {
			return fmt.Errorf("%w: collateral source %s", ErrNotAllowed, v)
		}
		if fixed.IsNeg(dart) && !l.CanModify(w, caller) {
			return fmt.Errorf("%w: credit source %s", ErrNotAllowed, w)
		}
		if !art.IsZero() && tab.Lt(ilk.DebtFloor) {
			return fmt.Errorf("%w: ilk %s owner %s", ErrDust, i, u)
		}

		gem, err := fixed.SubSigned(l.gemOf(i, v), dink)
		if err != nil {
			return err
		}
		dai, err := fixed.AddSigned(balance(l.dai, w), dtab)
		if err != nil {
			return err
		}

		l.setUrn(i, u, ink, art)
		ilk.NormalizedDebt = totalArt
		l.putIlk(i, ilk)
		l.setGem(i, v, gem)
		l.setDai(w, dai)
		l.setDebt(debt)

		l.emit("frob", i, u, map[string]string{
			"dink": fixed.ToDecimalSigned(dink, fixed.WadDecimals).String(),
			"dart": fixed.ToDecimalSigned(dart, fixed.WadDecimals).String(),
		})
		return nil
	})
}

// SplitPosition (fork) moves dink collateral and dart debt from src's
// position to dst's. Both sides must consent, stay safe and stay above the
// debt floor.
func (l *Ledger) SplitPosition(caller model.Address, i model.Ilk, src, dst model.Address, dink, dart *uint256.Int) error {
	return l.j.Atomic(func() error {
		ilk, ok := l.ilks[i]
		if !ok || ilk.Rate.IsZero() {
			return fmt.Errorf("%w: %s", ErrNotInitialized, i)
		}

		u := l.urnOf(i, src)
		uInk, err := fixed.SubSigned(u.Collateral, dink)
		if err != nil {
			return err
		}
		uArt, err := fixed.SubSigned(u.NormalizedDebt, dart)
		if err != nil {
			return err
		}
		l.setUrn(i, src, uInk, uArt)

		v := l.urnOf(i, dst)
		vInk, err := fixed.AddSigned(v.Collateral, dink)
		if err != nil {
			return err
		}
		vArt, err := fixed.AddSigned(v.NormalizedDebt, dart)
		if err != nil {
			return err
		}
		l.setUrn(i, dst, vInk, vArt)

		uTab, err := fixed.Mul(uArt, ilk.Rate)
		if err != nil {
			return err
		}
		vTab, err := fixed.Mul(vArt, ilk.Rate)
		if err != nil {
			return err
		}

		if !l.CanModify(src, caller) || !l.CanModify(dst, caller) {
			return fmt.Errorf("%w: fork %s -> %s", ErrNotAllowed, src, dst)
		}
		uVal, err := fixed.Mul(uInk, ilk.SafetyPrice)
		if err != nil {
			return err
		}
		vVal, err := fixed.Mul(vInk, ilk.SafetyPrice)
		if err != nil {
			return err
		}
		if uTab.Gt(uVal) || vTab.Gt(vVal) {
			return fmt.Errorf("%w: fork %s -> %s", ErrUnsafe, src, dst)
		}
		if (uTab.Lt(ilk.DebtFloor) && !uArt.IsZero()) || (vTab.Lt(ilk.DebtFloor) && !vArt.IsZero()) {
			return fmt.Errorf("%w: fork %s -> %s", ErrDust, src, dst)
		}

		l.emit("fork", i, src, map[string]string{
			"dst":  string(dst),
			"dink": fixed.ToDecimalSigned(dink, fixed.WadDecimals).String(),
			"dart": fixed.ToDecimalSigned(dart, fixed.WadDecimals).String(),
		})
		return nil
	})
}

// Seize (grab) forcibly changes a position without safety checks. The
// collateral delta goes to v's free balance and the debt delta is booked as
// unbacked debt on w. Used by liquidation and shutdown.
func (l *Ledger) Seize(caller model.Address, i model.Ilk, u, v, w model.Address, dink, dart *uint256.Int) error {
	if err := l.requireAuth(caller, OpSeize); err != nil {
		return err
	}
	return l.j.Atomic(func() error {
		ilk, ok := l.ilks[i]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotInitialized, i)
		}
		urn := l.urnOf(i, u)

		ink, err := fixed.AddSigned(urn.Collateral, dink)
		if err != nil {
			return err
		}
		art, err := fixed.AddSigned(urn.NormalizedDebt, dart)
		if err != nil {
			return err
		}
		totalArt, err := fixed.AddSigned(ilk.NormalizedDebt, dart)
		if err != nil {
			return err
		}
		dtab, err := fixed.MulSigned(ilk.Rate, dart)
		if err != nil {
			return err
		}
		gem, err := fixed.SubSigned(l.gemOf(i, v), dink)
		if err != nil {
			return err
		}
		sin, err := fixed.SubSigned(balance(l.sin, w), dtab)
		if err != nil {
			return err
		}
		vice, err := fixed.SubSigned(l.vice, dtab)
		if err != nil {
			return err
		}

		l.setUrn(i, u, ink, art)
		ilk.NormalizedDebt = totalArt
		l.putIlk(i, ilk)
		l.setGem(i, v, gem)
		l.setSin(w, sin)
		l.setVice(vice)

		l.emit("grab", i, u, map[string]string{
			"dink": fixed.ToDecimalSigned(dink, fixed.WadDecimals).String(),
			"dart": fixed.ToDecimalSigned(dart, fixed.WadDecimals).String(),
		})
		return nil
	})
}
