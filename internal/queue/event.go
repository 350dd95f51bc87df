// Package queue defines message payloads exchanged over the message broker.
package queue

// Loan event actions published to the loan.events queue.
const (
	ActionLoanCreated  = "loan.created"
	ActionLoanReturned = "loan.returned"
	ActionLoanRenewed  = "loan.renewed"
	ActionLoanExpired  = "loan.expired"
)

// LoanEvent is published whenever a loan changes state. It contains
// enough information for downstream consumers to log, notify, or
// trigger analytics without querying the primary database.
type LoanEvent struct {
	Action       string `json:"action"`
	LoanID       uint64 `json:"loan_id"`
	UserID       uint64 `json:"user_id"`
	BookID       uint64 `json:"book_id"`
	BookTitle    string `json:"book_title,omitempty"`
	State        string `json:"state"`
	DueAt        string `json:"due_at"`
	ReturnedAt   string `json:"returned_at,omitempty"`
	RenewalCount uint32 `json:"renewal_count"`
	OccurredAt   string `json:"occurred_at"`
}
