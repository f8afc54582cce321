package library

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Store is everything the manager needs from a backend: the ledger plus
// member and catalog administration.
type Store interface {
	LedgerStore
	AddMember(ctx context.Context, m *Member) error
	SetPasswordHash(ctx context.Context, memberID, hash string) error
	ListMembers(ctx context.Context) ([]*Member, error)
	ListBooks(ctx context.Context) ([]*Book, error)
	Close() error
}

// ErrAuthentication is returned when a member's password does not match.
var ErrAuthentication = errors.New("library: invalid member id or password")

// LibraryManager is a thin façade over the store and the engine, keeping CLI code simple.
type LibraryManager struct {
	store  Store
	engine *Engine
	queue  *NotificationQueue
	logger *zap.Logger
}

// NewLibraryManager wires an engine over store. The manager owns queue and
// closes it, flushing pending notifications, in Close.
func NewLibraryManager(store Store, queue *NotificationQueue, logger *zap.Logger, opts ...EngineOption) *LibraryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]EngineOption{WithLogger(logger)}, opts...)
	var sink NotificationSink
	if queue != nil {
		sink = queue
	}
	return &LibraryManager{
		store:  store,
		engine: NewEngine(store, sink, opts...),
		queue:  queue,
		logger: logger,
	}
}

// Close flushes notifications and closes the underlying store.
func (lm *LibraryManager) Close() error {
	var qErr error
	if lm.queue != nil {
		qErr = lm.queue.Close()
	}
	return errors.Join(qErr, lm.store.Close())
}

// Engine exposes the arbitration engine.
func (lm *LibraryManager) Engine() *Engine { return lm.engine }

// ------------------ Book helpers ------------------

// AddBook registers a book. holder may be empty for a book not yet in circulation.
func (lm *LibraryManager) AddBook(ctx context.Context, id, title, author, holder string) error {
	id, title, author = strings.TrimSpace(id), strings.TrimSpace(title), strings.TrimSpace(author)
	if id == "" || title == "" {
		return fmt.Errorf("%w: book id and title are required", ErrInvalidInput)
	}
	if _, err := lm.store.GetBook(ctx, id); err == nil {
		return fmt.Errorf("%w: book %q already exists", ErrInvalidInput, id)
	}
	return lm.store.PutBook(ctx, &Book{ID: id, Title: title, Author: author, CurrentHolder: strings.TrimSpace(holder)})
}

func (lm *LibraryManager) GetBook(ctx context.Context, id string) (*Book, error) {
	return lm.store.GetBook(ctx, id)
}

func (lm *LibraryManager) GetAllBooks(ctx context.Context) ([]*Book, error) {
	return lm.store.ListBooks(ctx)
}

// ------------------ Member helpers ------------------

// AddMember registers a member with a bcrypt-hashed password.
func (lm *LibraryManager) AddMember(ctx context.Context, id, name, email, password string) error {
	id, name, email = strings.TrimSpace(id), strings.TrimSpace(name), strings.TrimSpace(email)
	if id == "" || name == "" {
		return fmt.Errorf("%w: member id and name are required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("%w: %q is not an email address", ErrInvalidInput, email)
	}
	email = addr.Address
	if strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return lm.store.AddMember(ctx, &Member{ID: id, Name: name, Email: email, PasswordHash: string(hash)})
}

// ResetMemberPassword replaces a member's password.
func (lm *LibraryManager) ResetMemberPassword(ctx context.Context, id, password string) error {
	if strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return lm.store.SetPasswordHash(ctx, id, string(hash))
}

// AuthenticateMember checks a member's password.
func (lm *LibraryManager) AuthenticateMember(ctx context.Context, id, password string) error {
	m, err := lm.store.GetMember(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return ErrAuthentication
	}
	if err != nil {
		return err
	}
	if m.PasswordHash == "" {
		return fmt.Errorf("%w: no password set for member %s", ErrAuthentication, id)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte(password)); err != nil {
		return ErrAuthentication
	}
	return nil
}

func (lm *LibraryManager) GetMember(ctx context.Context, id string) (*Member, error) {
	return lm.store.GetMember(ctx, id)
}

func (lm *LibraryManager) GetAllMembers(ctx context.Context) ([]*Member, error) {
	return lm.store.ListMembers(ctx)
}

// ------------------ Utilities ------------------

// PrettyBook formats a book for lists.
func PrettyBook(b *Book, holderName string) string {
	return fmt.Sprintf("%-12s %-30s %-25s %-25s", b.ID, b.Title, b.Author, holderName)
}

// PrettyRequest formats a pending request for inbox and outbox lists.
func PrettyRequest(r *Request) string {
	return fmt.Sprintf("%-36s %-12s %-9s %-15s %-15s %s",
		r.ID, r.BookID, r.Kind, r.RequesterID, r.TargetID, r.CreatedAt.Local().Format("2006-01-02 15:04"))
}
