package payments

import (
	"context"
)

// VerifyStatus is the oracle's judgement of a payment proof.
type VerifyStatus int

const (
	// StatusValid means the proof settles the requested price.
	StatusValid VerifyStatus = iota
	// StatusInsufficient means no acceptable proof was presented yet; the
	// caller should be told the payment terms and retry with a proof.
	StatusInsufficient
)

// VerifyRequest describes one payment check.
type VerifyRequest struct {
	Price       string // display price, e.g. "$1.00"
	PayTo       string // payee address
	Network     string // settlement network, e.g. "base-sepolia"
	Proof       string // raw payment proof token; empty when none presented
	Resource    string // resource the payment is for
	Description string
	MimeType    string
}

// VerifyResult is the oracle's answer for a well-formed check.
type VerifyResult struct {
	Status VerifyStatus
	Reason string // set when Status is StatusInsufficient
}

// Oracle validates payment proofs against a price/payee/network triple.
// Implementations return an error only for oracle failures (unreachable
// service, malformed exchange); a proof that simply does not pay is
// StatusInsufficient, not an error.
type Oracle interface {
	Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
}
