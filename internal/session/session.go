// Package session keeps the latest enhancement set per session and provider.
package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/spigell/eor-quoter/internal/gap"
)

// NewID issues a session id.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether s looks like an id issued by NewID.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Key identifies one provider inside one session.
type Key struct {
	Session  string
	Provider string
}

type committed struct {
	generation uint64
	set        *gap.Set
}

// inflight pairs a generation with the cancel func of the request that owns it.
type inflight struct {
	generation uint64
	cancel     context.CancelFunc
}

type slot struct {
	inflight atomic.Pointer[inflight]
	last     atomic.Pointer[committed]
}

func (s *slot) generation() uint64 {
	if cur := s.inflight.Load(); cur != nil {
		return cur.generation
	}
	return 0
}

// advance installs the next generation with cancel and cancels the previous owner.
func (s *slot) advance(cancel context.CancelFunc) *inflight {
	for {
		cur := s.inflight.Load()
		next := &inflight{generation: 1, cancel: cancel}
		if cur != nil {
			next.generation = cur.generation + 1
		}
		if s.inflight.CompareAndSwap(cur, next) {
			if cur != nil && cur.cancel != nil {
				cur.cancel()
			}
			return next
		}
	}
}

// Ticket is handed out by Begin and names one in-flight request.
type Ticket struct {
	Key        Key
	generation uint64
	entry      *inflight
	slot       *slot
}

// Table is a keyed, last-writer-wins store. The zero value is ready to use.
type Table struct {
	slots sync.Map
}

func (t *Table) slot(k Key) *slot {
	if s, ok := t.slots.Load(k); ok {
		return s.(*slot)
	}
	s, _ := t.slots.LoadOrStore(k, &slot{})
	return s.(*slot)
}

// Begin starts a request for k and cancels the one already running for it.
// The returned context is cancelled by a later Begin or by Done.
func (t *Table) Begin(parent context.Context, k Key) (context.Context, Ticket) {
	s := t.slot(k)
	ctx, cancel := context.WithCancel(parent)

	entry := s.advance(cancel)
	return ctx, Ticket{Key: k, generation: entry.generation, entry: entry, slot: s}
}

// Current reports whether no newer request has started for the ticket's key.
func (tk Ticket) Current() bool {
	return tk.slot != nil && tk.slot.generation() == tk.generation
}

// Commit stores set if the ticket is still the newest request for its key.
func (t *Table) Commit(tk Ticket, set *gap.Set) bool {
	if tk.slot == nil || set == nil {
		return false
	}
	entry := &committed{generation: tk.generation, set: set.Clone()}
	for {
		if !tk.Current() {
			return false
		}
		cur := tk.slot.last.Load()
		if cur != nil && cur.generation > tk.generation {
			return false
		}
		if tk.slot.last.CompareAndSwap(cur, entry) {
			return true
		}
	}
}

// Done releases the ticket's context.
func (t *Table) Done(tk Ticket) {
	if tk.slot == nil || tk.entry == nil {
		return
	}
	// Keep the generation so the ticket can still commit after its context is released.
	tk.slot.inflight.CompareAndSwap(tk.entry, &inflight{generation: tk.generation})
	tk.entry.cancel()
}

// Get returns a copy of the last committed set for k.
func (t *Table) Get(k Key) (*gap.Set, bool) {
	s, ok := t.slots.Load(k)
	if !ok {
		return nil, false
	}
	last := s.(*slot).last.Load()
	if last == nil {
		return nil, false
	}
	return last.set.Clone(), true
}

// Forget drops every entry of a session and cancels its in-flight requests.
func (t *Table) Forget(session string) {
	t.slots.Range(func(key, value any) bool {
		if key.(Key).Session != session {
			return true
		}
		value.(*slot).advance(nil)
		t.slots.Delete(key)
		return true
	})
}
