package gojabridge

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// localKeySeq allocates process-unique slots for LocalKey instances.
var localKeySeq atomic.Uint64

type localCellState uint8

const (
	cellUninit localCellState = iota
	cellTrying
	cellInit
)

// localCell is one slot in an instance's locals table. The Trying state
// marks an initializer in progress so re-entrant initialization of the same
// key is detected instead of deadlocking or double-running.
type localCell struct {
	value any
	state localCellState
}

// localTable stores per-instance values indexed by LocalKey slot.
// Loop goroutine only.
type localTable struct {
	cells []localCell
}

func newLocalTable() *localTable {
	return &localTable{}
}

func (t *localTable) cell(id uint64) *localCell {
	for uint64(len(t.cells)) <= id {
		t.cells = append(t.cells, localCell{})
	}
	return &t.cells[id]
}

// LocalKey is a handle to instance-local storage of type T. Declare keys as
// package-level variables; each key addresses one slot per instance, so the
// same key yields the same value within an instance and independent values
// across instances.
//
//	var targetCache = gojabridge.NewLocalKey[*Root]()
type LocalKey[T any] struct {
	id func() uint64
}

// NewLocalKey allocates a key. The underlying slot id is assigned lazily,
// on first use.
func NewLocalKey[T any]() *LocalKey[T] {
	return &LocalKey[T]{id: sync.OnceValue(func() uint64 {
		return localKeySeq.Add(1)
	})}
}

// Get returns the value if the slot has been initialized in this instance.
func (k *LocalKey[T]) Get(cx *Context) (T, bool) {
	cx.check()
	c := cx.instance.data().locals.cell(k.id())
	if c.state != cellInit {
		var zero T
		return zero, false
	}
	return c.value.(T), true
}

// GetOrInit returns the slot's value, running init to populate it first if
// needed. Panics if init re-enters the same key on the same instance.
func (k *LocalKey[T]) GetOrInit(cx *Context, init func(cx *Context) T) T {
	v, err := k.GetOrTryInit(cx, func(cx *Context) (T, error) {
		return init(cx), nil
	})
	if err != nil {
		// The only error source is the initializer, which cannot fail here.
		panic(err)
	}
	return v
}

// GetOrInitDefault returns the slot's value, populating it with the zero
// value of T if needed.
func (k *LocalKey[T]) GetOrInitDefault(cx *Context) T {
	return k.GetOrInit(cx, func(cx *Context) T {
		var zero T
		return zero
	})
}

// GetOrTryInit returns the slot's value, running init to populate it first
// if needed. An error (or panic) from init rolls the slot back to
// uninitialized, so a later call may retry; the error is returned wrapped
// with ErrLocalInit. Re-entrant initialization of the same key panics.
func (k *LocalKey[T]) GetOrTryInit(cx *Context, init func(cx *Context) (T, error)) (T, error) {
	cx.check()
	locals := cx.instance.data().locals
	id := k.id()

	switch locals.cell(id).state {
	case cellInit:
		return locals.cell(id).value.(T), nil
	case cellTrying:
		panic("gojabridge: re-entrant initialization of a LocalKey")
	}

	locals.cell(id).state = cellTrying
	committed := false
	defer func() {
		if !committed {
			// Rollback on error or panic. The cell pointer is re-fetched:
			// init may have registered other keys and grown the table.
			c := locals.cell(id)
			c.state = cellUninit
			c.value = nil
		}
	}()

	v, err := init(cx)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrLocalInit, err)
	}

	c := locals.cell(id)
	c.value = v
	c.state = cellInit
	committed = true
	return v, nil
}
