package transfer

import (
	"errors"
	"fmt"
)

// Reason names why a transfer did not commit.
type Reason string

const (
	ReasonMissingField             Reason = "MissingField"
	ReasonInvalidAmount            Reason = "InvalidAmount"
	ReasonInvalidAddress           Reason = "InvalidAddress"
	ReasonUnknownSender            Reason = "UnknownSender"
	ReasonInsufficientFunds        Reason = "InsufficientFunds"
	ReasonInsufficientOnChainFunds Reason = "InsufficientOnChainFunds"
	ReasonChainSubmissionError     Reason = "ChainSubmissionError"
)

// ErrCommitDeferred means the transfer is on chain but the ledger commit failed; the
// open intent is left for the reconciler.
var ErrCommitDeferred = errors.New("transfer broadcast but not yet committed")

// Rejection is returned for every transfer that ends in the rejected or
// submission_failed state. No ledger state changed.
type Rejection struct {
	Reason Reason
	Detail string
	Err    error
}

func reject(reason Reason, detail string, err error) *Rejection {
	return &Rejection{Reason: reason, Detail: detail, Err: err}
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s: %v", r.Reason, r.Detail, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func (r *Rejection) Unwrap() error { return r.Err }

// SubmissionFailed reports whether the transfer got past validation and failed on chain.
func (r *Rejection) SubmissionFailed() bool {
	return r.Reason == ReasonInsufficientOnChainFunds || r.Reason == ReasonChainSubmissionError
}

// AsRejection extracts a *Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}
