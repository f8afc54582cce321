package library

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory LedgerStore. Transactions hold the write lock
// for their whole duration and run on a private copy of the state, which is
// published only if fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state memoryState
}

type mirrorKey struct {
	owner, bookID, other string
}

type memoryState struct {
	members  map[string]Member
	books    map[string]Book
	holdings map[string]string // book id -> member id
	requests map[string]Request
	incoming map[mirrorKey]string // (target, book, requester) -> request id
	outgoing map[mirrorKey]string // (requester, book, target) -> request id
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memoryState{
		members:  map[string]Member{},
		books:    map[string]Book{},
		holdings: map[string]string{},
		requests: map[string]Request{},
		incoming: map[mirrorKey]string{},
		outgoing: map[mirrorKey]string{},
	}}
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		members:  make(map[string]Member, len(s.members)),
		books:    make(map[string]Book, len(s.books)),
		holdings: make(map[string]string, len(s.holdings)),
		requests: make(map[string]Request, len(s.requests)),
		incoming: make(map[mirrorKey]string, len(s.incoming)),
		outgoing: make(map[mirrorKey]string, len(s.outgoing)),
	}
	for k, v := range s.members {
		c.members[k] = v
	}
	for k, v := range s.books {
		c.books[k] = v
	}
	for k, v := range s.holdings {
		c.holdings[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.incoming {
		c.incoming[k] = v
	}
	for k, v := range s.outgoing {
		c.outgoing[k] = v
	}
	return c
}

// RunTransaction runs fn against a copy of the state and publishes its writes
// atomically. fn must not call back into s outside of tx.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryLedger{state: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.dirty {
		s.state = tx.state
	}
	return nil
}

// write applies fn to the live state as a single-operation transaction.
func (s *MemoryStore) write(fn func(l *memoryLedger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &memoryLedger{state: s.state.clone()}
	if err := fn(l); err != nil {
		return err
	}
	if l.dirty {
		s.state = l.state
	}
	return nil
}

func (s *MemoryStore) read() *memoryLedger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Maps are replaced, never mutated, after commit; sharing them is safe.
	return &memoryLedger{state: s.state}
}

func (s *MemoryStore) GetBook(ctx context.Context, id string) (*Book, error) {
	return s.read().GetBook(ctx, id)
}

func (s *MemoryStore) PutBook(ctx context.Context, b *Book) error {
	return s.write(func(l *memoryLedger) error { return l.PutBook(ctx, b) })
}

func (s *MemoryStore) GetMember(ctx context.Context, id string) (*Member, error) {
	return s.read().GetMember(ctx, id)
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	return s.read().GetRequest(ctx, id)
}

func (s *MemoryStore) ListPendingIncoming(ctx context.Context, memberID, bookID string) ([]*Request, error) {
	return s.read().ListPendingIncoming(ctx, memberID, bookID)
}

func (s *MemoryStore) ListPendingOutgoing(ctx context.Context, memberID string) ([]*Request, error) {
	return s.read().ListPendingOutgoing(ctx, memberID)
}

func (s *MemoryStore) CreateRequestMirrors(ctx context.Context, r *Request) error {
	return s.write(func(l *memoryLedger) error { return l.CreateRequestMirrors(ctx, r) })
}

func (s *MemoryStore) DeleteRequestMirrors(ctx context.Context, requestID string) error {
	return s.write(func(l *memoryLedger) error { return l.DeleteRequestMirrors(ctx, requestID) })
}

func (s *MemoryStore) ResolveRequest(ctx context.Context, requestID string, state RequestState) error {
	return s.write(func(l *memoryLedger) error { return l.ResolveRequest(ctx, requestID, state) })
}

func (s *MemoryStore) SwapHolder(ctx context.Context, bookID, expected, next string) error {
	return s.write(func(l *memoryLedger) error { return l.SwapHolder(ctx, bookID, expected, next) })
}

func (s *MemoryStore) BooksHeldBy(ctx context.Context, memberID string) ([]*Book, error) {
	return s.read().BooksHeldBy(ctx, memberID)
}

// AddMember registers a member. Member ids are unique.
func (s *MemoryStore) AddMember(_ context.Context, m *Member) error {
	return s.write(func(l *memoryLedger) error {
		if _, ok := l.state.members[m.ID]; ok {
			return fmt.Errorf("%w: member %q already exists", ErrInvalidInput, m.ID)
		}
		l.state.members[m.ID] = *m
		l.dirty = true
		return nil
	})
}

// SetPasswordHash replaces a member's stored password hash.
func (s *MemoryStore) SetPasswordHash(_ context.Context, memberID, hash string) error {
	return s.write(func(l *memoryLedger) error {
		m, ok := l.state.members[memberID]
		if !ok {
			return fmt.Errorf("%w: member %q", ErrNotFound, memberID)
		}
		m.PasswordHash = hash
		l.state.members[memberID] = m
		l.dirty = true
		return nil
	})
}

// ListMembers returns all members ordered by id.
func (s *MemoryStore) ListMembers(context.Context) ([]*Member, error) {
	st := s.read().state
	out := make([]*Member, 0, len(st.members))
	for _, m := range st.members {
		m := m
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListBooks returns every book ordered by id.
func (s *MemoryStore) ListBooks(context.Context) ([]*Book, error) {
	st := s.read().state
	out := make([]*Book, 0, len(st.books))
	for _, b := range st.books {
		b := b
		out = append(out, &b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// memoryLedger operates on one private state copy.
type memoryLedger struct {
	state memoryState
	dirty bool
}

func (l *memoryLedger) GetBook(_ context.Context, id string) (*Book, error) {
	b, ok := l.state.books[id]
	if !ok {
		return nil, fmt.Errorf("%w: book %q", ErrNotFound, id)
	}
	return &b, nil
}

func (l *memoryLedger) PutBook(_ context.Context, b *Book) error {
	if cur, ok := l.state.books[b.ID]; ok {
		cur.Title, cur.Author = b.Title, b.Author
		l.state.books[b.ID] = cur
		l.dirty = true
		return nil
	}
	if b.CurrentHolder != "" {
		if _, ok := l.state.members[b.CurrentHolder]; !ok {
			return fmt.Errorf("%w: member %q", ErrNotFound, b.CurrentHolder)
		}
		l.state.holdings[b.ID] = b.CurrentHolder
	}
	l.state.books[b.ID] = *b
	l.dirty = true
	return nil
}

func (l *memoryLedger) GetMember(_ context.Context, id string) (*Member, error) {
	m, ok := l.state.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: member %q", ErrNotFound, id)
	}
	return &m, nil
}

func (l *memoryLedger) GetRequest(_ context.Context, id string) (*Request, error) {
	r, ok := l.state.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %q", ErrNotFound, id)
	}
	return &r, nil
}

func (l *memoryLedger) ListPendingIncoming(_ context.Context, memberID, bookID string) ([]*Request, error) {
	var out []*Request
	for k, id := range l.state.incoming {
		if k.owner != memberID || (bookID != "" && k.bookID != bookID) {
			continue
		}
		if r := l.state.requests[id]; r.State == StatePending {
			out = append(out, &r)
		}
	}
	sortRequests(out)
	return out, nil
}

func (l *memoryLedger) ListPendingOutgoing(_ context.Context, memberID string) ([]*Request, error) {
	var out []*Request
	for k, id := range l.state.outgoing {
		if k.owner != memberID {
			continue
		}
		if r := l.state.requests[id]; r.State == StatePending {
			out = append(out, &r)
		}
	}
	sortRequests(out)
	return out, nil
}

func (l *memoryLedger) CreateRequestMirrors(_ context.Context, r *Request) error {
	if _, ok := l.state.requests[r.ID]; ok {
		return fmt.Errorf("%w: request %s already exists", ErrInvalidInput, r.ID)
	}
	in := mirrorKey{owner: r.TargetID, bookID: r.BookID, other: r.RequesterID}
	if _, ok := l.state.incoming[in]; ok {
		return fmt.Errorf("%w: %s already has a pending request for %s with %s", ErrInvalidInput, r.RequesterID, r.BookID, r.TargetID)
	}
	l.state.requests[r.ID] = *r
	l.state.incoming[in] = r.ID
	l.state.outgoing[mirrorKey{owner: r.RequesterID, bookID: r.BookID, other: r.TargetID}] = r.ID
	l.dirty = true
	return nil
}

func (l *memoryLedger) DeleteRequestMirrors(_ context.Context, requestID string) error {
	r, ok := l.state.requests[requestID]
	if !ok {
		return nil
	}
	in := mirrorKey{owner: r.TargetID, bookID: r.BookID, other: r.RequesterID}
	if l.state.incoming[in] == requestID {
		delete(l.state.incoming, in)
		l.dirty = true
	}
	out := mirrorKey{owner: r.RequesterID, bookID: r.BookID, other: r.TargetID}
	if l.state.outgoing[out] == requestID {
		delete(l.state.outgoing, out)
		l.dirty = true
	}
	return nil
}

func (l *memoryLedger) ResolveRequest(_ context.Context, requestID string, state RequestState) error {
	if !state.Terminal() {
		return fmt.Errorf("%w: cannot resolve to %q", ErrInvalidInput, state)
	}
	r, ok := l.state.requests[requestID]
	if !ok || r.State != StatePending {
		return fmt.Errorf("%w: request %s is not pending", ErrStoreConflict, requestID)
	}
	r.State = state
	l.state.requests[requestID] = r
	l.dirty = true
	return nil
}

func (l *memoryLedger) SwapHolder(_ context.Context, bookID, expected, next string) error {
	b, ok := l.state.books[bookID]
	if !ok {
		return fmt.Errorf("%w: book %q", ErrNotFound, bookID)
	}
	if b.CurrentHolder != expected {
		return fmt.Errorf("%w: book %s is no longer held by %q", ErrStoreConflict, bookID, expected)
	}
	if next != "" {
		if _, ok := l.state.members[next]; !ok {
			return fmt.Errorf("%w: member %q", ErrNotFound, next)
		}
	}
	b.CurrentHolder = next
	l.state.books[bookID] = b
	delete(l.state.holdings, bookID)
	if next != "" {
		l.state.holdings[bookID] = next
	}
	l.dirty = true
	return nil
}

func (l *memoryLedger) BooksHeldBy(_ context.Context, memberID string) ([]*Book, error) {
	var out []*Book
	for bookID, holder := range l.state.holdings {
		if holder != memberID {
			continue
		}
		if b, ok := l.state.books[bookID]; ok && b.CurrentHolder == memberID {
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func sortRequests(reqs []*Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}
