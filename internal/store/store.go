package store

import (
	"context"
	"time"
)

// FileRecord is the metadata for one purchasable file. Content bytes live
// in blob storage under the same ID and are never duplicated here.
type FileRecord struct {
	ID           string
	Name         string
	MimeType     string
	Size         int64
	Price        string // currency-denominated, e.g. "$1.00"
	OwnerAddress string
	Description  string
	Tags         []string
	ExpiryDate   *time.Time
	MaxDownloads *int

	// CurrentDownloads is the only mutable field. It is changed exclusively
	// through TryIncrementDownloads/RedeemProof, never by callers.
	CurrentDownloads int

	CreatedAt time.Time
}

// Expired reports whether the record is past its expiry date at the given time.
func (r *FileRecord) Expired(now time.Time) bool {
	return r.ExpiryDate != nil && !now.Before(*r.ExpiryDate)
}

// IncrementResult is the outcome of the atomic conditional increment.
type IncrementResult int

const (
	Incremented IncrementResult = iota
	CeilingReached
	IncrementNotFound
)

// RedeemResult is the outcome of redeeming a payment proof.
type RedeemResult int

const (
	Redeemed RedeemResult = iota
	AlreadyRedeemed
	RedeemCeilingReached
	RedeemNotFound
)

// Stats contains aggregate statistics about stored records.
type Stats struct {
	TotalFiles     int
	TotalBytes     int64
	TotalDownloads int
	WithCeiling    int
	WithExpiry     int
	ExpiredFiles   int
	Receipts       int
	OldestFile     time.Time
	NewestFile     time.Time
}

// Store defines the interface for metadata persistence.
//
// TryIncrementDownloads and RedeemProof are the only operations that mutate
// a record, and both check the download ceiling inside the same atomic
// operation that performs the increment.
type Store interface {
	SaveFile(ctx context.Context, rec *FileRecord) error
	GetFile(ctx context.Context, id string) (*FileRecord, error)
	ListFiles(ctx context.Context) ([]*FileRecord, error)
	TryIncrementDownloads(ctx context.Context, id string) (IncrementResult, error)
	RedeemProof(ctx context.Context, id, proofKey string) (RedeemResult, error)
	HasReceipt(ctx context.Context, id, proofKey string) (bool, error)
	PruneReceipts(ctx context.Context, now time.Time) (int, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
