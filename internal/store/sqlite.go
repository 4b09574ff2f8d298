package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// A single connection serializes writers (no SQLITE_BUSY under
	// concurrent redemptions) and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			size INTEGER NOT NULL,
			price TEXT NOT NULL,
			owner_address TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			expiry_date DATETIME,
			max_downloads INTEGER,
			current_downloads INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS receipts (
			file_id TEXT NOT NULL,
			proof_key TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (file_id, proof_key)
		)
	`)
	return err
}

func (s *SQLiteStore) SaveFile(ctx context.Context, rec *FileRecord) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return err
	}

	var expiry sql.NullTime
	if rec.ExpiryDate != nil {
		expiry = sql.NullTime{Time: *rec.ExpiryDate, Valid: true}
	}
	var maxDownloads sql.NullInt64
	if rec.MaxDownloads != nil {
		maxDownloads = sql.NullInt64{Int64: int64(*rec.MaxDownloads), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO files (id, name, mime_type, size, price, owner_address,
			description, tags, expiry_date, max_downloads, current_downloads, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Name, rec.MimeType, rec.Size, rec.Price, rec.OwnerAddress,
		rec.Description, string(tags), expiry, maxDownloads, rec.CurrentDownloads, rec.CreatedAt)
	return err
}

const fileColumns = `id, name, mime_type, size, price, owner_address,
	description, tags, expiry_date, max_downloads, current_downloads, created_at`

func scanFile(row interface{ Scan(...any) error }) (*FileRecord, error) {
	var rec FileRecord
	var tags string
	var expiry sql.NullTime
	var maxDownloads sql.NullInt64
	err := row.Scan(&rec.ID, &rec.Name, &rec.MimeType, &rec.Size, &rec.Price,
		&rec.OwnerAddress, &rec.Description, &tags, &expiry, &maxDownloads,
		&rec.CurrentDownloads, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
			return nil, fmt.Errorf("corrupt tags for file %s: %w", rec.ID, err)
		}
	}
	if expiry.Valid {
		t := expiry.Time
		rec.ExpiryDate = &t
	}
	if maxDownloads.Valid {
		n := int(maxDownloads.Int64)
		rec.MaxDownloads = &n
	}
	return &rec, nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, id string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	rec, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) ListFiles(ctx context.Context) ([]*FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// TryIncrementDownloads bumps current_downloads by one unless that would
// push it past max_downloads. The ceiling check and the increment are a
// single UPDATE, so concurrent callers can never overshoot the ceiling.
func (s *SQLiteStore) TryIncrementDownloads(ctx context.Context, id string) (IncrementResult, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE files SET current_downloads = current_downloads + 1
		WHERE id = ? AND (max_downloads IS NULL OR current_downloads < max_downloads)
	`, id)
	if err != nil {
		return IncrementNotFound, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return IncrementNotFound, err
	}
	if rows > 0 {
		return Incremented, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM files WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return IncrementNotFound, nil
	}
	if err != nil {
		return IncrementNotFound, err
	}
	return CeilingReached, nil
}

// RedeemProof records a receipt for the proof and increments the download
// counter in one transaction. A proof key that was already redeemed for the
// file returns AlreadyRedeemed without touching the counter, so retries of
// an accepted payment are exactly-once.
func (s *SQLiteStore) RedeemProof(ctx context.Context, id, proofKey string) (RedeemResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RedeemNotFound, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO receipts (file_id, proof_key, created_at)
		VALUES (?, ?, ?)
	`, id, proofKey, time.Now())
	if err != nil {
		return RedeemNotFound, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return RedeemNotFound, err
	}
	if inserted == 0 {
		return AlreadyRedeemed, nil
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE files SET current_downloads = current_downloads + 1
		WHERE id = ? AND (max_downloads IS NULL OR current_downloads < max_downloads)
	`, id)
	if err != nil {
		return RedeemNotFound, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return RedeemNotFound, err
	}
	if rows == 0 {
		// Receipt insert rolls back with the transaction.
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM files WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return RedeemNotFound, nil
		}
		if err != nil {
			return RedeemNotFound, err
		}
		return RedeemCeilingReached, nil
	}

	if err := tx.Commit(); err != nil {
		return RedeemNotFound, err
	}
	return Redeemed, nil
}

func (s *SQLiteStore) HasReceipt(ctx context.Context, id, proofKey string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM receipts WHERE file_id = ? AND proof_key = ?
	`, id, proofKey).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PruneReceipts deletes receipts belonging to expired records. An expired
// record is terminally denied, so its receipts can never be re-fetched.
func (s *SQLiteStore) PruneReceipts(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM receipts WHERE file_id IN (
			SELECT id FROM files WHERE expiry_date IS NOT NULL AND expiry_date <= ?
		)
	`, now)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(size), 0),
			COALESCE(SUM(current_downloads), 0),
			COALESCE(SUM(CASE WHEN max_downloads IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN expiry_date IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN expiry_date IS NOT NULL AND expiry_date <= datetime('now') THEN 1 ELSE 0 END), 0),
			COALESCE(MIN(created_at), ''),
			COALESCE(MAX(created_at), '')
		FROM files
	`)

	var oldest, newest string
	err := row.Scan(
		&stats.TotalFiles,
		&stats.TotalBytes,
		&stats.TotalDownloads,
		&stats.WithCeiling,
		&stats.WithExpiry,
		&stats.ExpiredFiles,
		&oldest,
		&newest,
	)
	if err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts`).Scan(&stats.Receipts); err != nil {
		return nil, err
	}

	if oldest != "" {
		stats.OldestFile = parseStoredTime(oldest)
		stats.NewestFile = parseStoredTime(newest)
	}

	return stats, nil
}

func parseStoredTime(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05-07:00", s)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z", s)
	}
	return t
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
