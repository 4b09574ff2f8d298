package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"filetoll/internal/blob"
	"filetoll/internal/logging"
	"filetoll/internal/payments"
	"filetoll/internal/store"
)

var gateOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "filetoll_gate_outcomes_total",
		Help: "Access gate traversals by outcome",
	},
	[]string{"outcome"},
)

// OutcomeKind classifies a gate traversal result.
type OutcomeKind int

const (
	Released OutcomeKind = iota
	PaymentRequired
	Denied
)

// DenyReason says why a traversal was denied.
type DenyReason int

const (
	ReasonNotFound DenyReason = iota
	ReasonExpired
	ReasonLimitReached
	ReasonPaymentError
)

// Terms is the machine-readable payment offer returned with a
// payment-required outcome so a client can construct a proof and retry.
type Terms struct {
	Price       string `json:"price"`
	PayTo       string `json:"payTo"`
	Network     string `json:"network"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Outcome is the result of one access attempt.
type Outcome struct {
	Kind OutcomeKind

	// Set when Kind is Released. Caller owns Content and must close it.
	Content  io.ReadCloser
	MimeType string
	Filename string
	Size     int64

	// Set when Kind is PaymentRequired.
	Terms *Terms

	// Set when Kind is Denied.
	Reason DenyReason
}

// Gate decides release-or-deny for access attempts. Policy evaluation is
// pure; the only mutation on a traversal is the store's atomic proof
// redemption on the success path.
type Gate struct {
	store   store.Store
	blobs   blob.Storage
	oracle  payments.Oracle
	network string
}

// New creates a gate over the given collaborators.
func New(st store.Store, blobs blob.Storage, oracle payments.Oracle, network string) *Gate {
	return &Gate{
		store:   st,
		blobs:   blobs,
		oracle:  oracle,
		network: network,
	}
}

// ProofKey derives the dedupe key for a payment proof. Proof tokens are
// opaque and can be large; hashing keeps receipts fixed-size and avoids
// persisting the raw receipt.
func ProofKey(proof string) string {
	sum := sha256.Sum256([]byte(proof))
	return hex.EncodeToString(sum[:])
}

// HandleAccess runs the gating protocol for one access attempt: lookup,
// policy evaluation, payment verification, atomic counter increment,
// content release. A proof that was already redeemed for the record is a
// free re-fetch and never increments the counter a second time.
func (g *Gate) HandleAccess(ctx context.Context, id, proof string) (*Outcome, error) {
	out, err := g.handleAccess(ctx, id, proof)
	gateOutcomes.WithLabelValues(outcomeLabel(out, err)).Inc()
	return out, err
}

func (g *Gate) handleAccess(ctx context.Context, id, proof string) (*Outcome, error) {
	rec, err := g.store.GetFile(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Short-circuit: the oracle is never contacted for unknown IDs.
		return denied(ReasonNotFound), nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()

	var proofKey string
	if proof != "" {
		proofKey = ProofKey(proof)
		redeemed, err := g.store.HasReceipt(ctx, id, proofKey)
		if err != nil {
			return nil, err
		}
		if redeemed {
			// Accepted proof replayed. Expiry stays terminal; otherwise the
			// buyer re-fetches what they already paid for.
			if rec.Expired(now) {
				return denied(ReasonExpired), nil
			}
			return g.release(ctx, rec)
		}
	}

	switch Evaluate(rec, now) {
	case DeniedExpired:
		return denied(ReasonExpired), nil
	case DeniedLimitReached:
		return denied(ReasonLimitReached), nil
	}

	result, err := g.oracle.Verify(ctx, payments.VerifyRequest{
		Price:       rec.Price,
		PayTo:       rec.OwnerAddress,
		Network:     g.network,
		Proof:       proof,
		Resource:    "/api/file/" + rec.ID,
		Description: g.description(rec),
		MimeType:    rec.MimeType,
	})
	if err != nil {
		logging.Pay.Printf("oracle failure for file %s: %v", rec.ID, err)
		return denied(ReasonPaymentError), nil
	}
	if result.Status == payments.StatusInsufficient {
		return &Outcome{Kind: PaymentRequired, Terms: g.terms(rec)}, nil
	}

	// Payment accepted: consume a download slot. The ceiling is re-checked
	// inside the same atomic operation, so two concurrent requests can
	// never both take the last slot.
	if proofKey == "" {
		res, err := g.store.TryIncrementDownloads(ctx, id)
		if err != nil {
			return nil, err
		}
		switch res {
		case store.Incremented:
			return g.release(ctx, rec)
		case store.CeilingReached:
			return denied(ReasonLimitReached), nil
		default:
			return denied(ReasonNotFound), nil
		}
	}

	res, err := g.store.RedeemProof(ctx, id, proofKey)
	if err != nil {
		return nil, err
	}
	switch res {
	case store.Redeemed:
		return g.release(ctx, rec)
	case store.AlreadyRedeemed:
		// Lost the race against a concurrent request carrying the same
		// proof; that request took the increment, this one re-fetches.
		return g.release(ctx, rec)
	case store.RedeemCeilingReached:
		return denied(ReasonLimitReached), nil
	default:
		return denied(ReasonNotFound), nil
	}
}

func (g *Gate) release(ctx context.Context, rec *store.FileRecord) (*Outcome, error) {
	content, err := g.blobs.Load(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Kind:     Released,
		Content:  content,
		MimeType: rec.MimeType,
		Filename: rec.Name,
		Size:     rec.Size,
	}, nil
}

func (g *Gate) terms(rec *store.FileRecord) *Terms {
	return &Terms{
		Price:       rec.Price,
		PayTo:       rec.OwnerAddress,
		Network:     g.network,
		Description: g.description(rec),
		MimeType:    rec.MimeType,
	}
}

func (g *Gate) description(rec *store.FileRecord) string {
	if rec.Description != "" {
		return rec.Description
	}
	return "Access to paywalled file content"
}

func denied(reason DenyReason) *Outcome {
	return &Outcome{Kind: Denied, Reason: reason}
}

func outcomeLabel(out *Outcome, err error) string {
	if err != nil {
		return "storage_error"
	}
	switch out.Kind {
	case Released:
		return "released"
	case PaymentRequired:
		return "payment_required"
	}
	switch out.Reason {
	case ReasonExpired:
		return "expired"
	case ReasonLimitReached:
		return "limit_reached"
	case ReasonPaymentError:
		return "payment_error"
	default:
		return "not_found"
	}
}
