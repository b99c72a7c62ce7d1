// Package journal makes multi-component ledger operations atomic.
//
// Every component of one deployment shares a single Journal. State writes go
// through Set/Put/Delete, which record an undo entry. An operation wrapped in
// Atomic either commits all of its writes, including those made by nested
// calls into other components, or reverts every one of them. Events emitted
// inside a transaction are held back until the outermost Atomic commits.
//
// A Journal is not safe for concurrent use; the host serialises calls.
package journal

import "github.com/atmx/cdp-engine/internal/model"

// Sink receives committed events.
type Sink func(model.Event)

// Journal records undo entries and pending events for the transaction in
// progress.
type Journal struct {
	undo    []func()
	pending []model.Event
	depth   int
	sinks   []Sink
}

// New creates an empty journal.
func New() *Journal {
	return &Journal{}
}

// Subscribe registers a sink for committed events.
func (j *Journal) Subscribe(s Sink) {
	j.sinks = append(j.sinks, s)
}

// Atomic runs fn as one transaction. If fn returns an error, every write and
// event recorded since Atomic was entered is discarded and the error is
// returned unchanged. A panic in fn is treated the same way and then
// re-raised.
func (j *Journal) Atomic(fn func() error) (err error) {
	undoMark, eventMark := len(j.undo), len(j.pending)
	j.depth++

	done := false
	defer func() {
		j.depth--
		if !done || err != nil {
			j.revert(undoMark)
			j.pending = j.pending[:eventMark]
		}
		if j.depth == 0 {
			j.commit()
		}
	}()

	err = fn()
	done = true
	return err
}

// InTx reports whether a transaction is open.
func (j *Journal) InTx() bool { return j.depth > 0 }

// Emit queues an event for delivery when the outermost transaction commits.
// Outside a transaction it is delivered immediately.
func (j *Journal) Emit(ev model.Event) {
	j.pending = append(j.pending, ev)
	if j.depth == 0 {
		j.commit()
	}
}

func (j *Journal) record(undo func()) {
	if j.depth == 0 {
		return
	}
	j.undo = append(j.undo, undo)
}

func (j *Journal) revert(mark int) {
	for i := len(j.undo) - 1; i >= mark; i-- {
		j.undo[i]()
	}
	j.undo = j.undo[:mark]
}

func (j *Journal) commit() {
	j.undo = j.undo[:0]
	events := j.pending
	j.pending = nil
	for _, ev := range events {
		for _, s := range j.sinks {
			s(ev)
		}
	}
}

// Set assigns v to *p, recording the previous value.
func Set[T any](j *Journal, p *T, v T) {
	old := *p
	j.record(func() { *p = old })
	*p = v
}

// Put stores m[k] = v, recording the previous entry (or its absence).
func Put[K comparable, V any](j *Journal, m map[K]V, k K, v V) {
	old, ok := m[k]
	j.record(func() {
		if ok {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

// Delete removes m[k], recording the previous entry.
func Delete[K comparable, V any](j *Journal, m map[K]V, k K) {
	old, ok := m[k]
	if !ok {
		return
	}
	j.record(func() { m[k] = old })
	delete(m, k)
}

// Append appends v to *s, recording the previous length.
func Append[T any](j *Journal, s *[]T, v T) {
	n := len(*s)
	j.record(func() { *s = (*s)[:n] })
	*s = append(*s, v)
}

// SetIndex assigns (*s)[i] = v, recording the previous element.
func SetIndex[T any](j *Journal, s *[]T, i int, v T) {
	old := (*s)[i]
	j.record(func() { (*s)[i] = old })
	(*s)[i] = v
}

// Pop removes the last element of *s, recording it.
func Pop[T any](j *Journal, s *[]T) {
	n := len(*s)
	last := (*s)[n-1]
	j.record(func() { *s = append((*s)[:n-1], last) })
	*s = (*s)[:n-1]
}
