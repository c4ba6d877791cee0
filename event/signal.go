// Package event provides typed notification signals with scoped subscriptions.
package event

import (
	"sort"
	"sync"
)

// Subscription is a handle returned by Subscribe. Unsubscribe is safe to call
// more than once.
type Subscription interface {
	Unsubscribe()
}

// Signal fans a value out to every subscribed handler.
type Signal[T any] struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(T)
}

// Subscribe registers fn and returns the handle that removes it.
func (s *Signal[T]) Subscribe(fn func(T)) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[int]func(T))
	}
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	return &subscription{cancel: func() { s.remove(id) }}
}

// Emit calls every handler registered at the time of the call, in
// subscription order. Handlers run on the caller's goroutine.
func (s *Signal[T]) Emit(v T) {
	for _, fn := range s.snapshot() {
		fn(v)
	}
}

// Len reports the number of live handlers.
func (s *Signal[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

func (s *Signal[T]) snapshot() []func(T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.handlers[id])
	}
	return fns
}

func (s *Signal[T]) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, id)
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Func adapts a plain function to a Subscription.
type Func func()

// Unsubscribe calls f.
func (f Func) Unsubscribe() {
	if f != nil {
		f()
	}
}

// Group collects subscriptions so they can be released through one exit path.
type Group struct {
	mu   sync.Mutex
	subs []Subscription
}

// Add keeps sub until Release.
func (g *Group) Add(subs ...Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, subs...)
}

// Release unsubscribes everything in reverse registration order.
func (g *Group) Release() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].Unsubscribe()
	}
}

// Len reports how many subscriptions are held.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}
