package journal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/cdp-engine/internal/model"
)

var errBoom = errors.New("boom")

func TestAtomic_CommitsWritesAndEvents(t *testing.T) {
	j := New()
	var got []string
	j.Subscribe(func(ev model.Event) { got = append(got, ev.Kind) })

	x := 1
	m := map[string]int{}
	err := j.Atomic(func() error {
		Set(j, &x, 2)
		Put(j, m, "a", 1)
		j.Emit(model.Event{Kind: "frob"})
		assert.Empty(t, got, "events are held until commit")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, x)
	assert.Equal(t, map[string]int{"a": 1}, m)
	assert.Equal(t, []string{"frob"}, got)
	assert.False(t, j.InTx())
}

func TestAtomic_RevertsEverything(t *testing.T) {
	j := New()
	var got []string
	j.Subscribe(func(ev model.Event) { got = append(got, ev.Kind) })

	x := 1
	m := map[string]int{"keep": 1, "gone": 2}
	s := []int{1, 2, 3}
	err := j.Atomic(func() error {
		Set(j, &x, 5)
		Put(j, m, "keep", 10)
		Put(j, m, "new", 3)
		Delete(j, m, "gone")
		Append(j, &s, 4)
		SetIndex(j, &s, 0, 9)
		Pop(j, &s)
		Pop(j, &s)
		j.Emit(model.Event{Kind: "grab"})
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, x)
	assert.Equal(t, map[string]int{"keep": 1, "gone": 2}, m)
	assert.Equal(t, []int{1, 2, 3}, s)
	assert.Empty(t, got)
}

func TestAtomic_NestedFailureRevertsOnlyInner(t *testing.T) {
	j := New()
	var got []string
	j.Subscribe(func(ev model.Event) { got = append(got, ev.Kind) })

	x, y := 0, 0
	err := j.Atomic(func() error {
		Set(j, &x, 1)
		j.Emit(model.Event{Kind: "outer"})
		inner := j.Atomic(func() error {
			Set(j, &y, 1)
			j.Emit(model.Event{Kind: "inner"})
			return errBoom
		})
		assert.ErrorIs(t, inner, errBoom)
		assert.Empty(t, got, "nothing is delivered before the outermost commit")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, x)
	assert.Equal(t, 0, y)
	assert.Equal(t, []string{"outer"}, got)
}

func TestAtomic_OuterFailureRevertsCommittedInner(t *testing.T) {
	j := New()
	y := 0
	err := j.Atomic(func() error {
		require.NoError(t, j.Atomic(func() error {
			Set(j, &y, 7)
			return nil
		}))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, y)
}

func TestEmit_OutsideTransaction(t *testing.T) {
	j := New()
	var got []model.Event
	j.Subscribe(func(ev model.Event) { got = append(got, ev) })
	j.Subscribe(func(ev model.Event) { got = append(got, ev) })

	j.Emit(model.Event{Kind: "poke", Ilk: "ETH-A"})
	require.Len(t, got, 2)
	assert.Equal(t, model.Ilk("ETH-A"), got[1].Ilk)

	// Writes outside a transaction are not journalled.
	x := 1
	Set(j, &x, 2)
	assert.Equal(t, 2, x)
}

func TestAtomic_PanicRevertsAndUnwinds(t *testing.T) {
	j := New()
	var got []string
	j.Subscribe(func(ev model.Event) { got = append(got, ev.Kind) })

	x := 1
	assert.PanicsWithValue(t, "boom", func() {
		_ = j.Atomic(func() error {
			Set(j, &x, 2)
			j.Emit(model.Event{Kind: "lost"})
			panic("boom")
		})
	})
	assert.Equal(t, 1, x)
	assert.False(t, j.InTx())
	assert.Empty(t, got)

	require.NoError(t, j.Atomic(func() error {
		Set(j, &x, 3)
		j.Emit(model.Event{Kind: "take"})
		return nil
	}))
	assert.Equal(t, 3, x)
	assert.Equal(t, []string{"take"}, got)
}

func TestAtomic_NestedPanicRevertsOuterToo(t *testing.T) {
	j := New()
	x, y := 0, 0
	assert.Panics(t, func() {
		_ = j.Atomic(func() error {
			Set(j, &x, 1)
			return j.Atomic(func() error {
				Set(j, &y, 1)
				panic("boom")
			})
		})
	})
	assert.Equal(t, 0, x)
	assert.Equal(t, 0, y)
	assert.False(t, j.InTx())
}
