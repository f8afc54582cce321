package library

import "context"

// Ledger is the set of document operations the engine performs. Every method
// is available both directly on a LedgerStore and on the handle passed to
// RunTransaction.
type Ledger interface {
	GetBook(ctx context.Context, id string) (*Book, error)
	// PutBook inserts or replaces book metadata. It never moves possession.
	PutBook(ctx context.Context, b *Book) error
	GetMember(ctx context.Context, id string) (*Member, error)

	GetRequest(ctx context.Context, id string) (*Request, error)
	// ListPendingIncoming returns the target's pending incoming mirrors,
	// restricted to bookID when it is non-empty, oldest first.
	ListPendingIncoming(ctx context.Context, memberID, bookID string) ([]*Request, error)
	// ListPendingOutgoing returns the requester's pending outgoing mirrors, oldest first.
	ListPendingOutgoing(ctx context.Context, memberID string) ([]*Request, error)

	// CreateRequestMirrors stores a pending request with both of its mirrors.
	// A second pending request for the same (book, requester, target) fails
	// with ErrInvalidInput.
	CreateRequestMirrors(ctx context.Context, r *Request) error
	// DeleteRequestMirrors removes both mirrors of a request. The archived
	// request record itself is kept.
	DeleteRequestMirrors(ctx context.Context, requestID string) error
	// ResolveRequest moves a pending request to a terminal state. It fails with
	// ErrStoreConflict when the request is not pending anymore.
	ResolveRequest(ctx context.Context, requestID string, state RequestState) error

	// SwapHolder sets the book's holder from expected to next and moves the
	// book between their possession sets. It fails with ErrStoreConflict when
	// the current holder is not expected.
	SwapHolder(ctx context.Context, bookID, expected, next string) error
	// BooksHeldBy lists the books in the member's possession set.
	BooksHeldBy(ctx context.Context, memberID string) ([]*Book, error)
}

// LedgerStore is a Ledger with multi-document transactions. If fn returns an
// error nothing it wrote becomes visible.
type LedgerStore interface {
	Ledger
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Ledger) error) error
}
