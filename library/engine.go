package library

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NotificationSink accepts notifications for delivery after a decision has
// been committed. *NotificationQueue is the production implementation.
type NotificationSink interface {
	Enqueue(ctx context.Context, n Notification) error
}

// Engine arbitrates requests for books between members. It is the only
// writer of request state and of book possession, and is safe for
// concurrent use.
type Engine struct {
	store  LedgerStore
	sink   NotificationSink
	logger *zap.Logger

	maxAttempts int
	baseDelay   time.Duration
	now         func() time.Time
	newID       func() string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRetry sets how many times a conflicting transaction is attempted in
// total, and the delay before the first retry.
func WithRetry(maxAttempts int, baseDelay time.Duration) EngineOption {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			e.baseDelay = baseDelay
		}
	}
}

// WithClock overrides time.Now for request timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns an engine over store that hands notifications to sink.
func NewEngine(store LedgerStore, sink NotificationSink, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       store,
		sink:        sink,
		logger:      zap.NewNop(),
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit creates a pending request and both of its mirrors, atomically.
// A request-kind request must target the book's current holder.
func (e *Engine) Submit(ctx context.Context, bookID, requesterID, targetID string, kind RequestKind) (string, error) {
	switch {
	case bookID == "" || requesterID == "" || targetID == "":
		return "", fmt.Errorf("%w: book, requester and target are required", ErrInvalidInput)
	case requesterID == targetID:
		return "", fmt.Errorf("%w: cannot send a request to yourself", ErrInvalidInput)
	case !kind.Valid():
		return "", fmt.Errorf("%w: unknown request kind %q", ErrInvalidInput, kind)
	}

	req := &Request{
		ID:          e.newID(),
		BookID:      bookID,
		Kind:        kind,
		RequesterID: requesterID,
		TargetID:    targetID,
		CreatedAt:   e.now().UTC(),
		State:       StatePending,
	}

	err := retryOnConflict(ctx, e.logger, "submit", e.maxAttempts, e.baseDelay, func(ctx context.Context) error {
		return e.store.RunTransaction(ctx, func(ctx context.Context, tx Ledger) error {
			book, err := tx.GetBook(ctx, bookID)
			if err != nil {
				return err
			}
			if _, err := tx.GetMember(ctx, requesterID); err != nil {
				return err
			}
			if _, err := tx.GetMember(ctx, targetID); err != nil {
				return err
			}
			if kind == KindRequest && book.CurrentHolder != targetID {
				return fmt.Errorf("%w: %s does not hold %s", ErrInvalidInput, targetID, bookID)
			}
			return tx.CreateRequestMirrors(ctx, req)
		})
	})
	if err != nil {
		return "", err
	}

	e.logger.Info("request submitted",
		zap.String("request_id", req.ID),
		zap.String("book_id", bookID),
		zap.String("requester_id", requesterID),
		zap.String("target_id", targetID),
		zap.String("kind", string(kind)))
	return req.ID, nil
}

// Accept hands the book to the requester. Every other pending request for
// the same book addressed to the same holder is rejected in the same
// transaction. Notifications go out only after the commit.
func (e *Engine) Accept(ctx context.Context, requestID, actingMemberID string) error {
	var (
		outbox   []Notification
		accepted *Request
	)

	err := retryOnConflict(ctx, e.logger, "accept", e.maxAttempts, e.baseDelay, func(ctx context.Context) error {
		outbox = outbox[:0]
		return e.store.RunTransaction(ctx, func(ctx context.Context, tx Ledger) error {
			req, err := loadActionable(ctx, tx, requestID, actingMemberID)
			if err != nil {
				return err
			}
			book, err := tx.GetBook(ctx, req.BookID)
			if err != nil {
				return err
			}
			requester, err := tx.GetMember(ctx, req.RequesterID)
			if err != nil {
				return err
			}
			holder, err := tx.GetMember(ctx, req.TargetID)
			if err != nil {
				return err
			}
			if book.CurrentHolder != holder.ID {
				return fmt.Errorf("%w: %s no longer holds %s", ErrInvalidState, holder.ID, book.ID)
			}

			if err := tx.SwapHolder(ctx, book.ID, holder.ID, requester.ID); err != nil {
				return fmt.Errorf("transfer %s: %w", book.ID, err)
			}

			siblings, err := tx.ListPendingIncoming(ctx, holder.ID, book.ID)
			if err != nil {
				return err
			}
			for _, sib := range siblings {
				if sib.ID == req.ID {
					continue
				}
				if err := resolve(ctx, tx, sib.ID, StateRejected); err != nil {
					return err
				}
				other, err := tx.GetMember(ctx, sib.RequesterID)
				if err != nil {
					return err
				}
				n, err := newNotification("superseded", subjectSuperseded, sib.ID, messageData{Book: book, Requester: other, Holder: holder})
				if err != nil {
					return err
				}
				outbox = append(outbox, n)
			}

			if err := resolve(ctx, tx, req.ID, StateAccepted); err != nil {
				return err
			}
			n, err := newNotification("accepted", subjectAccepted, req.ID, messageData{Book: book, Requester: requester, Holder: holder})
			if err != nil {
				return err
			}
			outbox = append(outbox, n)
			accepted = req
			return nil
		})
	})
	if err != nil {
		return err
	}

	e.logger.Info("request accepted",
		zap.String("request_id", accepted.ID),
		zap.String("book_id", accepted.BookID),
		zap.String("from", accepted.TargetID),
		zap.String("to", accepted.RequesterID),
		zap.Int("superseded", len(outbox)-1))
	e.dispatch(ctx, outbox)
	return nil
}

// Reject declines a request with a reason that is passed on to the requester.
// The book does not move and sibling requests stay pending.
func (e *Engine) Reject(ctx context.Context, requestID, actingMemberID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: a reason is required to reject a request", ErrInvalidInput)
	}

	var (
		note     Notification
		rejected *Request
	)
	err := retryOnConflict(ctx, e.logger, "reject", e.maxAttempts, e.baseDelay, func(ctx context.Context) error {
		return e.store.RunTransaction(ctx, func(ctx context.Context, tx Ledger) error {
			req, err := loadActionable(ctx, tx, requestID, actingMemberID)
			if err != nil {
				return err
			}
			book, err := tx.GetBook(ctx, req.BookID)
			if err != nil {
				return err
			}
			requester, err := tx.GetMember(ctx, req.RequesterID)
			if err != nil {
				return err
			}
			holder, err := tx.GetMember(ctx, req.TargetID)
			if err != nil {
				return err
			}
			if err := resolve(ctx, tx, req.ID, StateRejected); err != nil {
				return err
			}
			note, err = newNotification("rejected", subjectRejected, req.ID,
				messageData{Book: book, Requester: requester, Holder: holder, Reason: reason})
			if err != nil {
				return err
			}
			rejected = req
			return nil
		})
	})
	if err != nil {
		return err
	}

	e.logger.Info("request rejected",
		zap.String("request_id", rejected.ID),
		zap.String("book_id", rejected.BookID),
		zap.String("requester_id", rejected.RequesterID))
	e.dispatch(ctx, []Notification{note})
	return nil
}

// Request returns a request, pending or archived.
func (e *Engine) Request(ctx context.Context, requestID string) (*Request, error) {
	return e.store.GetRequest(ctx, requestID)
}

// Inbox lists requests waiting for memberID to act on them.
func (e *Engine) Inbox(ctx context.Context, memberID string) ([]*Request, error) {
	return e.store.ListPendingIncoming(ctx, memberID, "")
}

// Outbox lists requests memberID is waiting on.
func (e *Engine) Outbox(ctx context.Context, memberID string) ([]*Request, error) {
	return e.store.ListPendingOutgoing(ctx, memberID)
}

// BooksHeldBy lists the books memberID currently holds.
func (e *Engine) BooksHeldBy(ctx context.Context, memberID string) ([]*Book, error) {
	return e.store.BooksHeldBy(ctx, memberID)
}

// loadActionable fetches a request and checks that actingMemberID may resolve it now.
func loadActionable(ctx context.Context, tx Ledger, requestID, actingMemberID string) (*Request, error) {
	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.State != StatePending {
		return nil, fmt.Errorf("%w: request %s is %s", ErrInvalidState, req.ID, req.State)
	}
	// TODO: resolving transfer requests needs a product decision on who may
	// accept them and whether the holder changes.
	if req.Kind != KindRequest {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
	}
	if req.TargetID != actingMemberID {
		return nil, fmt.Errorf("%w: request %s is addressed to %s", ErrForbidden, req.ID, req.TargetID)
	}
	return req, nil
}

// resolve archives a request in a terminal state and removes both mirrors.
func resolve(ctx context.Context, tx Ledger, requestID string, state RequestState) error {
	if err := tx.ResolveRequest(ctx, requestID, state); err != nil {
		return err
	}
	return tx.DeleteRequestMirrors(ctx, requestID)
}

func newNotification(tmpl, subject, requestID string, data messageData) (Notification, error) {
	body, err := renderMessage(tmpl, data)
	if err != nil {
		return Notification{}, fmt.Errorf("render %s message: %w", tmpl, err)
	}
	return Notification{
		To:        data.Requester.Email,
		Subject:   subject,
		BodyHTML:  body,
		RequestID: requestID,
	}, nil
}

// dispatch runs after commit; failures are logged and never undo the decision.
func (e *Engine) dispatch(ctx context.Context, outbox []Notification) {
	if e.sink == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, n := range outbox {
		if err := e.sink.Enqueue(ctx, n); err != nil {
			e.logger.Error("notification not queued",
				zap.String("request_id", n.RequestID),
				zap.String("to", n.To),
				zap.Error(fmt.Errorf("%w: %w", ErrNotificationFailed, err)))
		}
	}
}
