package library

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type sentMail struct {
	To, Subject, Body string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMail
}

func (r *recordingNotifier) Notify(_ context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (r *recordingNotifier) to(addr string) []sentMail {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentMail
	for _, m := range r.sent {
		if m.To == addr {
			out = append(out, m)
		}
	}
	return out
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fixture struct {
	store  Store
	engine *Engine
	queue  *NotificationQueue
	mail   *recordingNotifier
}

// flush waits until every queued notification has been delivered.
func (f *fixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, f.queue.Close())
}

var testMembers = []*Member{
	{ID: "alice", Name: "Alice", Email: "alice@example.org"},
	{ID: "bob", Name: "Bob", Email: "bob@example.org"},
	{ID: "carol", Name: "Carol", Email: "carol@example.org"},
	{ID: "dave", Name: "Dave", Email: "dave@example.org"},
}

func newFixture(t *testing.T, store Store, opts ...EngineOption) *fixture {
	t.Helper()
	ctx := context.Background()
	for _, m := range testMembers {
		m := *m
		require.NoError(t, store.AddMember(ctx, &m))
	}
	require.NoError(t, store.PutBook(ctx, &Book{ID: "B1", Title: "Dune", Author: "Frank Herbert", CurrentHolder: "alice"}))
	require.NoError(t, store.PutBook(ctx, &Book{ID: "B2", Title: "Emma", Author: "Jane Austen", CurrentHolder: "bob"}))

	mail := &recordingNotifier{}
	queue := NewNotificationQueue(mail, 2, 16)
	t.Cleanup(func() { queue.Close() })

	opts = append([]EngineOption{WithRetry(3, time.Millisecond)}, opts...)
	return &fixture{
		store:  store,
		engine: NewEngine(store, queue, opts...),
		queue:  queue,
		mail:   mail,
	}
}

// forEachStore runs fn against the SQLite and the in-memory store.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("sqlite", func(t *testing.T) {
		db, err := NewDatabase(filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		fn(t, db)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func holderOf(t *testing.T, store Store, bookID string) string {
	t.Helper()
	b, err := store.GetBook(context.Background(), bookID)
	require.NoError(t, err)
	return b.CurrentHolder
}

func requestIDs(reqs []*Request) []string {
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestAcceptResolvesCompetingRequests(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		f := newFixture(t, store)

		r1, err := f.engine.Submit(ctx, "B1", "bob", "alice", KindRequest)
		require.NoError(t, err)
		r2, err := f.engine.Submit(ctx, "B1", "carol", "alice", KindRequest)
		require.NoError(t, err)
		// Same requester, different book: must survive the arbitration of B1.
		r3, err := f.engine.Submit(ctx, "B2", "carol", "bob", KindRequest)
		require.NoError(t, err)

		inbox, err := f.engine.Inbox(ctx, "alice")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{r1, r2}, requestIDs(inbox))

		require.NoError(t, f.engine.Accept(ctx, r1, "alice"))

		assert.Equal(t, "bob", holderOf(t, store, "B1"))

		held, err := f.engine.BooksHeldBy(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, held, 2)
		assert.Equal(t, "B1", held[0].ID)
		held, err = f.engine.BooksHeldBy(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, held)

		for _, id := range []string{r1, r2} {
			req, err := f.engine.Request(ctx, id)
			require.NoError(t, err)
			if id == r1 {
				assert.Equal(t, StateAccepted, req.State)
			} else {
				assert.Equal(t, StateRejected, req.State)
			}
		}

		inbox, err = f.engine.Inbox(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, inbox)
		outbox, err := f.engine.Outbox(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, outbox)
		outbox, err = f.engine.Outbox(ctx, "carol")
		require.NoError(t, err)
		assert.Equal(t, []string{r3}, requestIDs(outbox))

		// No resurrection.
		assert.ErrorIs(t, f.engine.Accept(ctx, r2, "alice"), ErrInvalidState)
		assert.ErrorIs(t, f.engine.Reject(ctx, r2, "alice", "too late"), ErrInvalidState)
		assert.ErrorIs(t, f.engine.Accept(ctx, r1, "alice"), ErrInvalidState)

		f.flush(t)
		bobMail := f.mail.to("bob@example.org")
		require.Len(t, bobMail, 1)
		assert.Equal(t, subjectAccepted, bobMail[0].Subject)
		assert.Contains(t, bobMail[0].Body, "alice@example.org", "new holder gets the previous holder's contact")
		assert.Contains(t, bobMail[0].Body, "Dune")

		carolMail := f.mail.to("carol@example.org")
		require.Len(t, carolMail, 1)
		assert.Contains(t, carolMail[0].Body, "given to someone else")
		assert.Empty(t, f.mail.to("alice@example.org"))
	})
}

func TestRejectLeavesHolderAndSiblings(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		f := newFixture(t, store)

		r1, err := f.engine.Submit(ctx, "B1", "bob", "alice", KindRequest)
		require.NoError(t, err)
		r2, err := f.engine.Submit(ctx, "B1", "carol", "alice", KindRequest)
		require.NoError(t, err)

		require.NoError(t, f.engine.Reject(ctx, r1, "alice", "already promised"))

		assert.Equal(t, "alice", holderOf(t, store, "B1"))
		req, err := f.engine.Request(ctx, r1)
		require.NoError(t, err)
		assert.Equal(t, StateRejected, req.State)
		req, err = f.engine.Request(ctx, r2)
		require.NoError(t, err)
		assert.Equal(t, StatePending, req.State)

		inbox, err := f.engine.Inbox(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{r2}, requestIDs(inbox))
		outbox, err := f.engine.Outbox(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, outbox)

		// Bob may ask again once his request has been answered.
		_, err = f.engine.Submit(ctx, "B1", "bob", "alice", KindRequest)
		require.NoError(t, err)

		f.flush(t)
		bobMail := f.mail.to("bob@example.org")
		require.Len(t, bobMail, 1)
		assert.Contains(t, bobMail[0].Body, "already promised")
		assert.Empty(t, f.mail.to("carol@example.org"))
	})
}

func TestSubmitValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		f := newFixture(t, store)

		tests := []struct {
			name                    string
			book, requester, target string
			kind                    RequestKind
			want                    error
		}{
			{"self request", "B1", "alice", "alice", KindRequest, ErrInvalidInput},
			{"unknown kind", "B1", "bob", "alice", RequestKind("swap"), ErrInvalidInput},
			{"missing book id", "", "bob", "alice", KindRequest, ErrInvalidInput},
			{"unknown book", "B9", "bob", "alice", KindRequest, ErrNotFound},
			{"unknown requester", "B1", "zoe", "alice", KindRequest, ErrNotFound},
			{"unknown target", "B1", "bob", "zoe", KindRequest, ErrNotFound},
			{"target is not the holder", "B1", "bob", "carol", KindRequest, ErrInvalidInput},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.engine.Submit(ctx, tt.book, tt.requester, tt.target, tt.kind)
				assert.ErrorIs(t, err, tt.want)
			})
		}

		_, err := f.engine.Submit(ctx, "B1", "bob", "alice", KindRequest)
		require.NoError(t, err)
		_, err = f.engine.Submit(ctx, "B1", "bob", "alice", KindRequest)
		assert.ErrorIs(t, err, ErrInvalidInput, "duplicate pending request")

		outbox, err := f.engine.Outbox(ctx, "bob")
		require.NoError(t, err)
		assert.Len(t, outbox, 1, "failed submit leaves no mirror behind")
	})
}

func TestActPreconditions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		f := newFixture(t, store)

		r1, err := f.engine.Submit(ctx, "B1", "bob", "alice", KindRequest)
		require.NoError(t, err)
		tr, err := f.engine.Submit(ctx, "B1", "carol", "dave", KindTransfer)
		require.NoError(t, err)

		assert.ErrorIs(t, f.engine.Accept(ctx, "no-such-request", "alice"), ErrNotFound)
		assert.ErrorIs(t, f.engine.Reject(ctx, "no-such-request", "alice", "no"), ErrNotFound)

		assert.ErrorIs(t, f.engine.Accept(ctx, r1, "bob"), ErrForbidden)
		assert.ErrorIs(t, f.engine.Accept(ctx, r1, "carol"), ErrForbidden)
		assert.ErrorIs(t, f.engine.Reject(ctx, r1, "carol", "mine now"), ErrForbidden)

		assert.ErrorIs(t, f.engine.Reject(ctx, r1, "alice", ""), ErrInvalidInput)
		assert.ErrorIs(t, f.engine.Reject(ctx, r1, "alice", "   "), ErrInvalidInput)

		assert.ErrorIs(t, f.engine.Accept(ctx, tr, "dave"), ErrUnsupportedKind)
		assert.ErrorIs(t, f.engine.Reject(ctx, tr, "dave", "no"), ErrUnsupportedKind)

		req, err := f.engine.Request(ctx, r1)
		require.NoError(t, err)
		assert.Equal(t, StatePending, req.State)
		assert.Equal(t, "alice", holderOf(t, store, "B1"))

		f.flush(t)
		assert.Zero(t, f.mail.count())
	})
}

func TestConcurrentAcceptSameRequest(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		f := newFixture(t, store)

		r1, err := f.engine.Submit(ctx, "B1", "bob", "alice", KindRequest)
		require.NoError(t, err)

		const racers = 8
		errs := make([]error, racers)
		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = f.engine.Accept(ctx, r1, "alice")
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ErrInvalidState)
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, "bob", holderOf(t, store, "B1"))

		f.flush(t)
		assert.Len(t, f.mail.to("bob@example.org"), 1, "requester is told exactly once")
	})
}

func TestConcurrentAcceptSiblings(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		f := newFixture(t, store)

		requesters := []string{"bob", "carol", "dave"}
		ids := make([]string, len(requesters))
		for i, who := range requesters {
			id, err := f.engine.Submit(ctx, "B1", who, "alice", KindRequest)
			require.NoError(t, err)
			ids[i] = id
		}

		errs := make([]error, len(ids))
		var wg sync.WaitGroup
		for i, id := range ids {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				errs[i] = f.engine.Accept(ctx, id, "alice")
			}(i, id)
		}
		wg.Wait()

		winner := -1
		for i, err := range errs {
			if err == nil {
				require.Equal(t, -1, winner, "two accepts succeeded")
				winner = i
				continue
			}
			assert.ErrorIs(t, err, ErrInvalidState)
		}
		require.NotEqual(t, -1, winner)
		assert.Equal(t, requesters[winner], holderOf(t, store, "B1"))

		for i, id := range ids {
			req, err := f.engine.Request(ctx, id)
			require.NoError(t, err)
			if i == winner {
				assert.Equal(t, StateAccepted, req.State)
			} else {
				assert.Equal(t, StateRejected, req.State)
			}
		}

		f.flush(t)
		for i, who := range requesters {
			mail := f.mail.to(who + "@example.org")
			require.Len(t, mail, 1, who)
			if i == winner {
				assert.Equal(t, subjectAccepted, mail[0].Subject)
			} else {
				assert.Contains(t, mail[0].Body, "given to someone else")
			}
		}
	})
}

func TestConcurrentRejectSameRequest(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		f := newFixture(t, store)

		r1, err := f.engine.Submit(ctx, "B1", "bob", "alice", KindRequest)
		require.NoError(t, err)

		errs := make(chan error, 2)
		for _, reason := range []string{"keeping it", "lent elsewhere"} {
			go func(reason string) { errs <- f.engine.Reject(ctx, r1, "alice", reason) }(reason)
		}
		first, second := <-errs, <-errs
		if first != nil {
			first, second = second, first
		}
		assert.NoError(t, first)
		assert.ErrorIs(t, second, ErrInvalidState)

		f.flush(t)
		assert.Len(t, f.mail.to("bob@example.org"), 1)
	})
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, string, string, string) error {
	return errors.New("relay refused connection")
}

func TestNotificationFailureDoesNotUndoAccept(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	f := newFixture(t, store)

	core, logs := observer.New(zap.ErrorLevel)
	queue := NewNotificationQueue(failingNotifier{}, 1, 4, WithQueueLogger(zap.New(core)))
	engine := NewEngine(store, queue)

	r1, err := engine.Submit(ctx, "B1", "bob", "alice", KindRequest)
	require.NoError(t, err)
	_, err = engine.Submit(ctx, "B1", "carol", "alice", KindRequest)
	require.NoError(t, err)

	require.NoError(t, engine.Accept(ctx, r1, "alice"))
	require.NoError(t, queue.Close())

	assert.Equal(t, "bob", holderOf(t, store, "B1"))
	failures := logs.FilterMessage("notification delivery failed").All()
	assert.Len(t, failures, 2)
	for _, entry := range failures {
		assert.Contains(t, entry.ContextMap()["error"], "notification failed")
	}
	f.flush(t)
}

func TestNotificationAfterQueueClosedIsLogged(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	f := newFixture(t, store)

	core, logs := observer.New(zap.ErrorLevel)
	engine := NewEngine(store, f.queue, WithLogger(zap.New(core)))
	f.flush(t)

	r1, err := engine.Submit(ctx, "B1", "bob", "alice", KindRequest)
	require.NoError(t, err)
	require.NoError(t, engine.Accept(ctx, r1, "alice"))

	assert.Equal(t, "bob", holderOf(t, store, "B1"))
	assert.Equal(t, 1, logs.FilterMessage("notification not queued").Len())
}

// conflictingStore loses every transaction race.
type conflictingStore struct {
	*MemoryStore
	attempts atomic.Int32
}

func (s *conflictingStore) RunTransaction(context.Context, func(context.Context, Ledger) error) error {
	s.attempts.Add(1)
	return fmt.Errorf("%w: injected", ErrStoreConflict)
}

func TestAcceptRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	f := newFixture(t, mem)

	r1, err := f.engine.Submit(ctx, "B1", "bob", "alice", KindRequest)
	require.NoError(t, err)

	store := &conflictingStore{MemoryStore: mem}
	engine := NewEngine(store, f.queue, WithRetry(2, time.Millisecond))

	err = engine.Accept(ctx, r1, "alice")
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(2), store.attempts.Load())
	for _, sentinel := range []error{ErrNotFound, ErrInvalidState, ErrForbidden, ErrInvalidInput} {
		assert.NotErrorIs(t, err, sentinel)
	}

	assert.Equal(t, "alice", holderOf(t, mem, "B1"))
	req, err := mem.GetRequest(ctx, r1)
	require.NoError(t, err)
	assert.Equal(t, StatePending, req.State)

	f.flush(t)
	assert.Zero(t, f.mail.count())
}

func TestAcceptCanceledContextLeavesLedgerUntouched(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		f := newFixture(t, store)
		r1, err := f.engine.Submit(context.Background(), "B1", "bob", "alice", KindRequest)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err = f.engine.Accept(ctx, r1, "alice")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)

		assert.Equal(t, "alice", holderOf(t, store, "B1"))
		inbox, err := f.engine.Inbox(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{r1}, requestIDs(inbox))
	})
}

func TestMessagesEscapeMemberInput(t *testing.T) {
	body, err := renderMessage("rejected", messageData{
		Book:      &Book{ID: "B1", Title: "Dune", Author: "Frank Herbert"},
		Requester: &Member{Name: "Bob"},
		Holder:    &Member{Name: "Alice"},
		Reason:    "<script>alert(1)</script>",
	})
	require.NoError(t, err)
	assert.False(t, strings.Contains(body, "<script>"))
	assert.Contains(t, body, "&lt;script&gt;")
}
