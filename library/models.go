package library

import "time"

// Book is a physical copy circulating between members.
// CurrentHolder is empty until the book first enters circulation.
type Book struct {
	ID            string `json:"id" yaml:"id"`
	Title         string `json:"title" yaml:"title"`
	Author        string `json:"author" yaml:"author"`
	CurrentHolder string `json:"current_holder" yaml:"holder"`
}

// Member represents a registered portal member.
type Member struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"` // Don't serialize password hash
}

// RequestKind distinguishes borrow requests from hand-over offers.
type RequestKind string

const (
	KindRequest  RequestKind = "request"
	KindTransfer RequestKind = "transfer"
)

// Valid reports whether k is a known kind.
func (k RequestKind) Valid() bool {
	return k == KindRequest || k == KindTransfer
}

// RequestState is the lifecycle state of a Request. Accepted and rejected are terminal.
type RequestState string

const (
	StatePending  RequestState = "pending"
	StateAccepted RequestState = "accepted"
	StateRejected RequestState = "rejected"
)

// Terminal reports whether s can no longer change.
func (s RequestState) Terminal() bool {
	return s == StateAccepted || s == StateRejected
}

// Request is one member asking another to act on a book. While pending it is
// mirrored in the target's incoming set and the requester's outgoing set.
type Request struct {
	ID          string       `json:"id"`
	BookID      string       `json:"book_id"`
	Kind        RequestKind  `json:"kind"`
	RequesterID string       `json:"requester_id"`
	TargetID    string       `json:"target_id"`
	CreatedAt   time.Time    `json:"created_at"`
	State       RequestState `json:"state"`
}
