package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"filetoll/internal/blob"
	"filetoll/internal/payments"
	"filetoll/internal/store"
)

// mockBlobs implements blob.Storage in memory.
type mockBlobs struct {
	blobs map[string][]byte
}

func newMockBlobs() *mockBlobs {
	return &mockBlobs{blobs: make(map[string][]byte)}
}

func (m *mockBlobs) Save(ctx context.Context, id string, data io.Reader) (int64, error) {
	buf, _ := io.ReadAll(data)
	m.blobs[id] = buf
	return int64(len(buf)), nil
}

func (m *mockBlobs) Load(ctx context.Context, id string) (io.ReadCloser, error) {
	data, ok := m.blobs[id]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockBlobs) Delete(ctx context.Context, id string) error {
	delete(m.blobs, id)
	return nil
}

type testGate struct {
	gate   *Gate
	store  *store.SQLiteStore
	blobs  *mockBlobs
	oracle *payments.MockOracle
}

func setupGate(t *testing.T) *testGate {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	blobs := newMockBlobs()
	oracle := payments.NewMockOracle()
	return &testGate{
		gate:   New(st, blobs, oracle, "base-sepolia"),
		store:  st,
		blobs:  blobs,
		oracle: oracle,
	}
}

func (tg *testGate) addFile(t *testing.T, rec *store.FileRecord, content []byte) {
	t.Helper()
	ctx := context.Background()
	if _, err := tg.blobs.Save(ctx, rec.ID, bytes.NewReader(content)); err != nil {
		t.Fatalf("failed to save blob: %v", err)
	}
	if err := tg.store.SaveFile(ctx, rec); err != nil {
		t.Fatalf("failed to save record: %v", err)
	}
}

func baseRecord(id string) *store.FileRecord {
	return &store.FileRecord{
		ID:           id,
		Name:         "dataset.csv",
		MimeType:     "text/csv",
		Size:         11,
		Price:        "$1.00",
		OwnerAddress: "0xowner",
		CreatedAt:    time.Now(),
	}
}

func (tg *testGate) downloads(t *testing.T, id string) int {
	t.Helper()
	rec, err := tg.store.GetFile(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	return rec.CurrentDownloads
}

func TestGate_ReleasesOnValidProof(t *testing.T) {
	tg := setupGate(t)
	tg.addFile(t, baseRecord("f1"), []byte("hello world"))

	out, err := tg.gate.HandleAccess(context.Background(), "f1", "proof-1")
	if err != nil {
		t.Fatalf("HandleAccess failed: %v", err)
	}
	if out.Kind != Released {
		t.Fatalf("got kind %v, want Released", out.Kind)
	}
	defer out.Content.Close()

	data, err := io.ReadAll(out.Content)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("content = %q", data)
	}
	if out.MimeType != "text/csv" || out.Filename != "dataset.csv" {
		t.Errorf("mime=%q filename=%q", out.MimeType, out.Filename)
	}
	if got := tg.downloads(t, "f1"); got != 1 {
		t.Errorf("downloads = %d, want 1", got)
	}
}

func TestGate_UnknownIDNeverCallsOracle(t *testing.T) {
	tg := setupGate(t)

	out, err := tg.gate.HandleAccess(context.Background(), "nope", "proof")
	if err != nil {
		t.Fatalf("HandleAccess failed: %v", err)
	}
	if out.Kind != Denied || out.Reason != ReasonNotFound {
		t.Errorf("got %+v, want denied not-found", out)
	}
	if n := len(tg.oracle.Calls()); n != 0 {
		t.Errorf("oracle called %d times, want 0", n)
	}
}

func TestGate_ExpiredIsTerminal(t *testing.T) {
	tg := setupGate(t)
	rec := baseRecord("f1")
	rec.ExpiryDate = timePtr(time.Now().Add(-time.Second))
	tg.addFile(t, rec, []byte("data"))

	out, err := tg.gate.HandleAccess(context.Background(), "f1", "valid-proof")
	if err != nil {
		t.Fatalf("HandleAccess failed: %v", err)
	}
	if out.Kind != Denied || out.Reason != ReasonExpired {
		t.Errorf("got %+v, want denied expired", out)
	}
	if n := len(tg.oracle.Calls()); n != 0 {
		t.Errorf("oracle called %d times for expired file, want 0", n)
	}
	if got := tg.downloads(t, "f1"); got != 0 {
		t.Errorf("downloads = %d, want 0", got)
	}
}

func TestGate_LimitReachedSkipsOracle(t *testing.T) {
	tg := setupGate(t)
	rec := baseRecord("f1")
	rec.MaxDownloads = intPtr(1)
	tg.addFile(t, rec, []byte("data"))

	// Consume the only slot.
	if _, err := tg.gate.HandleAccess(context.Background(), "f1", "proof-a"); err != nil {
		t.Fatalf("first access failed: %v", err)
	}
	callsAfterFirst := len(tg.oracle.Calls())

	out, err := tg.gate.HandleAccess(context.Background(), "f1", "proof-b")
	if err != nil {
		t.Fatalf("second access failed: %v", err)
	}
	if out.Kind != Denied || out.Reason != ReasonLimitReached {
		t.Errorf("got %+v, want denied limit-reached", out)
	}
	if n := len(tg.oracle.Calls()); n != callsAfterFirst {
		t.Error("oracle should not be called once the ceiling is reached")
	}
}

func TestGate_PaymentRequiredTerms(t *testing.T) {
	tg := setupGate(t)
	tg.addFile(t, baseRecord("f1"), []byte("data"))

	out, err := tg.gate.HandleAccess(context.Background(), "f1", "")
	if err != nil {
		t.Fatalf("HandleAccess failed: %v", err)
	}
	if out.Kind != PaymentRequired {
		t.Fatalf("got kind %v, want PaymentRequired", out.Kind)
	}
	if out.Terms.Price != "$1.00" || out.Terms.PayTo != "0xowner" {
		t.Errorf("terms = %+v", out.Terms)
	}
	if out.Terms.Network != "base-sepolia" {
		t.Errorf("network = %q", out.Terms.Network)
	}
	if got := tg.downloads(t, "f1"); got != 0 {
		t.Errorf("downloads = %d, want 0 (counter untouched on 402)", got)
	}
}

func TestGate_InsufficientProof(t *testing.T) {
	tg := setupGate(t)
	tg.addFile(t, baseRecord("f1"), []byte("data"))
	tg.oracle.SetResult("weak", &payments.VerifyResult{
		Status: payments.StatusInsufficient,
		Reason: "amount too low",
	})

	out, err := tg.gate.HandleAccess(context.Background(), "f1", "weak")
	if err != nil {
		t.Fatalf("HandleAccess failed: %v", err)
	}
	if out.Kind != PaymentRequired {
		t.Fatalf("got kind %v, want PaymentRequired", out.Kind)
	}
	if got := tg.downloads(t, "f1"); got != 0 {
		t.Errorf("downloads = %d, want 0", got)
	}
}

func TestGate_OracleFailure(t *testing.T) {
	tg := setupGate(t)
	tg.addFile(t, baseRecord("f1"), []byte("data"))
	tg.oracle.SetError("bad", errors.New("facilitator unreachable"))

	out, err := tg.gate.HandleAccess(context.Background(), "f1", "bad")
	if err != nil {
		t.Fatalf("HandleAccess failed: %v", err)
	}
	if out.Kind != Denied || out.Reason != ReasonPaymentError {
		t.Errorf("got %+v, want denied payment-error", out)
	}
	if got := tg.downloads(t, "f1"); got != 0 {
		t.Errorf("downloads = %d, want 0 (no increment on oracle failure)", got)
	}
}

func TestGate_ProofReplayDoesNotDoubleCount(t *testing.T) {
	tg := setupGate(t)
	rec := baseRecord("f1")
	rec.MaxDownloads = intPtr(1)
	tg.addFile(t, rec, []byte("data"))

	ctx := context.Background()

	out, err := tg.gate.HandleAccess(ctx, "f1", "proof-x")
	if err != nil {
		t.Fatalf("first access failed: %v", err)
	}
	if out.Kind != Released {
		t.Fatalf("got kind %v, want Released", out.Kind)
	}
	out.Content.Close()
	callsAfterFirst := len(tg.oracle.Calls())

	// Retry with the same accepted proof: content again, no second increment,
	// no second oracle call, even though the ceiling is consumed.
	out, err = tg.gate.HandleAccess(ctx, "f1", "proof-x")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if out.Kind != Released {
		t.Fatalf("replay got kind %v, want Released", out.Kind)
	}
	out.Content.Close()

	if got := tg.downloads(t, "f1"); got != 1 {
		t.Errorf("downloads = %d, want 1", got)
	}
	if n := len(tg.oracle.Calls()); n != callsAfterFirst {
		t.Error("replay should not contact the oracle again")
	}
}

func TestGate_ReplayOfExpiredFileDenied(t *testing.T) {
	tg := setupGate(t)
	rec := baseRecord("f1")
	expiry := time.Now().Add(200 * time.Millisecond)
	rec.ExpiryDate = &expiry
	tg.addFile(t, rec, []byte("data"))

	ctx := context.Background()
	out, err := tg.gate.HandleAccess(ctx, "f1", "proof-x")
	if err != nil {
		t.Fatalf("first access failed: %v", err)
	}
	if out.Kind != Released {
		t.Fatalf("got kind %v, want Released", out.Kind)
	}
	out.Content.Close()

	time.Sleep(250 * time.Millisecond)

	out, err = tg.gate.HandleAccess(ctx, "f1", "proof-x")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if out.Kind != Denied || out.Reason != ReasonExpired {
		t.Errorf("got %+v, want denied expired (expiry is terminal)", out)
	}
}

// Two concurrent requests with valid distinct proofs against a ceiling of
// one: exactly one release, one limit-reached denial.
func TestGate_ConcurrentCeilingOfOne(t *testing.T) {
	tg := setupGate(t)
	rec := baseRecord("f1")
	rec.MaxDownloads = intPtr(1)
	tg.addFile(t, rec, []byte("data"))

	ctx := context.Background()
	outcomes := make([]*Outcome, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = tg.gate.HandleAccess(ctx, "f1", fmt.Sprintf("proof-%d", i))
		}(i)
	}
	wg.Wait()

	released, limited := 0, 0
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		switch {
		case outcomes[i].Kind == Released:
			released++
			outcomes[i].Content.Close()
		case outcomes[i].Kind == Denied && outcomes[i].Reason == ReasonLimitReached:
			limited++
		default:
			t.Errorf("request %d: unexpected outcome %+v", i, outcomes[i])
		}
	}
	if released != 1 || limited != 1 {
		t.Errorf("released=%d limited=%d, want 1/1", released, limited)
	}
	if got := tg.downloads(t, "f1"); got != 1 {
		t.Errorf("downloads = %d, want 1", got)
	}
}

// Many concurrent valid attempts: releases equal min(ceiling, attempts).
func TestGate_ConcurrentReleaseCount(t *testing.T) {
	tg := setupGate(t)
	const ceiling = 4
	const attempts = 16

	rec := baseRecord("f1")
	rec.MaxDownloads = intPtr(ceiling)
	tg.addFile(t, rec, []byte("data"))

	ctx := context.Background()
	outcomes := make([]*Outcome, attempts)
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = tg.gate.HandleAccess(ctx, "f1", fmt.Sprintf("proof-%d", i))
		}(i)
	}
	wg.Wait()

	released := 0
	for i := 0; i < attempts; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		if outcomes[i].Kind == Released {
			released++
			outcomes[i].Content.Close()
		}
	}
	if released != ceiling {
		t.Errorf("released %d, want exactly %d", released, ceiling)
	}
	if got := tg.downloads(t, "f1"); got != ceiling {
		t.Errorf("downloads = %d, want %d", got, ceiling)
	}
}
