package router

import "sync/atomic"

// Holder publishes the current State. Readers call Load once and keep the
// returned snapshot for the rest of their operation.
type Holder struct {
	current atomic.Pointer[State]
}

// NewHolder creates a holder publishing initial.
func NewHolder(initial *State) *Holder {
	h := &Holder{}
	h.current.Store(initial)
	return h
}

// Load returns the currently published snapshot.
func (h *Holder) Load() *State {
	return h.current.Load()
}

// Swap publishes next and returns the snapshot it replaced.
func (h *Holder) Swap(next *State) *State {
	return h.current.Swap(next)
}
