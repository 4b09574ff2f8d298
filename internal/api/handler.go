package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"filetoll/internal/blob"
	"filetoll/internal/gate"
	"filetoll/internal/logging"
	"filetoll/internal/payments"
	"filetoll/internal/store"
)

var validFileIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// PaymentHeader carries the payment proof on access requests.
const PaymentHeader = "X-Payment"

// OwnerHeader carries the creator's payout address on uploads.
const OwnerHeader = "X-Owner-Address"

// MaxUploadSize is the maximum allowed file size (5GB).
const MaxUploadSize = 5 << 30

// Handler handles HTTP requests.
type Handler struct {
	gate    *gate.Gate
	store   store.Store
	blobs   blob.Storage
	network string
	mux     *http.ServeMux
}

// NewHandler creates a new HTTP handler.
func NewHandler(g *gate.Gate, st store.Store, blobs blob.Storage, network string) *Handler {
	h := &Handler{
		gate:    g,
		store:   st,
		blobs:   blobs,
		network: network,
		mux:     http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /api/file/{id}", h.handleAccess)
	h.mux.HandleFunc("HEAD /api/file/{id}", h.handleAccess)
	h.mux.HandleFunc("GET /api/file/{id}/status", h.handleStatus)
	h.mux.HandleFunc("POST /api/upload", h.handleUpload)
	h.mux.HandleFunc("GET /api/files", h.handleList)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func isValidFileID(id string) bool {
	return id != "" && len(id) <= 64 && validFileIDPattern.MatchString(id)
}

// paymentRequiredResponse is the 402 payload telling a client what to pay.
type paymentRequiredResponse struct {
	X402Version int          `json:"x402Version"`
	Error       string       `json:"error"`
	Accepts     []gate.Terms `json:"accepts"`
}

func (h *Handler) handleAccess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidFileID(id) {
		http.Error(w, "invalid file id", http.StatusBadRequest)
		return
	}

	proof := r.Header.Get(PaymentHeader)

	out, err := h.gate.HandleAccess(r.Context(), id, proof)
	if err != nil {
		logging.Internal.Printf("access failed for %s: %v", id, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch out.Kind {
	case gate.Released:
		defer out.Content.Close()
		w.Header().Set("Content-Type", out.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Filename))
		w.Header().Set("Content-Length", fmt.Sprintf("%d", out.Size))
		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.Copy(w, out.Content); err != nil {
			logging.HTTP.Printf("failed to stream %s: %v", id, err)
		}

	case gate.PaymentRequired:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		if err := json.NewEncoder(w).Encode(paymentRequiredResponse{
			X402Version: 1,
			Error:       "payment required",
			Accepts:     []gate.Terms{*out.Terms},
		}); err != nil {
			logging.HTTP.Printf("failed to encode response: %v", err)
		}

	default:
		switch out.Reason {
		case gate.ReasonNotFound:
			http.Error(w, "file not found", http.StatusNotFound)
		case gate.ReasonExpired:
			http.Error(w, "file has expired", http.StatusGone)
		case gate.ReasonLimitReached:
			http.Error(w, "download limit reached", http.StatusGone)
		case gate.ReasonPaymentError:
			http.Error(w, "payment verification failed", http.StatusBadGateway)
		default:
			http.Error(w, "access denied", http.StatusForbidden)
		}
	}
}

// FileView is the JSON shape of a record, without content.
type FileView struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	MimeType         string     `json:"mimeType"`
	Size             int64      `json:"size"`
	Price            string     `json:"price"`
	OwnerAddress     string     `json:"ownerAddress"`
	Description      string     `json:"description,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	ExpiryDate       *time.Time `json:"expiryDate,omitempty"`
	MaxDownloads     *int       `json:"maxDownloads,omitempty"`
	CurrentDownloads int        `json:"currentDownloads"`
	CreatedAt        time.Time  `json:"createdAt"`
}

func fileView(rec *store.FileRecord) FileView {
	return FileView{
		ID:               rec.ID,
		Name:             rec.Name,
		MimeType:         rec.MimeType,
		Size:             rec.Size,
		Price:            rec.Price,
		OwnerAddress:     rec.OwnerAddress,
		Description:      rec.Description,
		Tags:             rec.Tags,
		ExpiryDate:       rec.ExpiryDate,
		MaxDownloads:     rec.MaxDownloads,
		CurrentDownloads: rec.CurrentDownloads,
		CreatedAt:        rec.CreatedAt,
	}
}

// UploadMetadata is the metadata JSON accompanying an uploaded file.
type UploadMetadata struct {
	Name         string   `json:"name"`
	Price        string   `json:"price"`
	Description  string   `json:"description,omitempty"`
	ExpiryDate   string   `json:"expiryDate,omitempty"`
	MaxDownloads *int     `json:"maxDownloads,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// UploadResponse is returned after a successful upload.
type UploadResponse struct {
	Success bool     `json:"success"`
	FileID  string   `json:"fileId"`
	File    FileView `json:"file"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		http.Error(w, "missing "+OwnerHeader+" header", http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	var meta UploadMetadata
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &meta); err != nil {
		http.Error(w, "invalid metadata", http.StatusBadRequest)
		return
	}

	if _, err := payments.ParsePrice(meta.Price); err != nil {
		http.Error(w, "invalid price", http.StatusBadRequest)
		return
	}
	if meta.MaxDownloads != nil && *meta.MaxDownloads < 0 {
		http.Error(w, "maxDownloads must be non-negative", http.StatusBadRequest)
		return
	}

	var expiry *time.Time
	if meta.ExpiryDate != "" {
		t, err := time.Parse(time.RFC3339, meta.ExpiryDate)
		if err != nil {
			http.Error(w, "invalid expiryDate (want RFC3339)", http.StatusBadRequest)
			return
		}
		expiry = &t
	}

	name := meta.Name
	if name == "" {
		name = header.Filename
	}
	if name == "" {
		http.Error(w, "missing file name", http.StatusBadRequest)
		return
	}

	rec := &store.FileRecord{
		ID:           uuid.NewString(),
		Name:         name,
		MimeType:     detectMimeType(header),
		Price:        meta.Price,
		OwnerAddress: owner,
		Description:  meta.Description,
		Tags:         meta.Tags,
		ExpiryDate:   expiry,
		MaxDownloads: meta.MaxDownloads,
		CreatedAt:    time.Now(),
	}

	size, err := h.blobs.Save(r.Context(), rec.ID, file)
	if err != nil {
		logging.Internal.Printf("failed to store blob for upload: %v", err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	rec.Size = size

	if err := h.store.SaveFile(r.Context(), rec); err != nil {
		// Roll the blob back so storage does not accumulate orphans.
		if derr := h.blobs.Delete(r.Context(), rec.ID); derr != nil && !errors.Is(derr, blob.ErrNotFound) {
			logging.Internal.Printf("failed to clean up blob %s: %v", rec.ID, derr)
		}
		logging.Internal.Printf("failed to save record: %v", err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	logging.Internal.Printf("upload complete: file_id=%s, size=%d, price=%s", rec.ID, rec.Size, rec.Price)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(UploadResponse{
		Success: true,
		FileID:  rec.ID,
		File:    fileView(rec),
	}); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

func detectMimeType(header *multipart.FileHeader) string {
	if ct := header.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.ListFiles(r.Context())
	if err != nil {
		logging.Internal.Printf("failed to list files: %v", err)
		http.Error(w, "failed to list files", http.StatusInternalServerError)
		return
	}

	views := make([]FileView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, fileView(rec))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

// StatusResponse is the response for a file status probe.
type StatusResponse struct {
	Price              string     `json:"price"`
	PayTo              string     `json:"payTo"`
	Network            string     `json:"network"`
	Size               int64      `json:"size"`
	MimeType           string     `json:"mimeType"`
	Expired            bool       `json:"expired"`
	ExpiryDate         *time.Time `json:"expiryDate,omitempty"`
	DownloadsRemaining *int       `json:"downloadsRemaining,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidFileID(id) {
		http.Error(w, "invalid file id", http.StatusBadRequest)
		return
	}

	rec, err := h.store.GetFile(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logging.Internal.Printf("failed to get status for %s: %v", id, err)
		http.Error(w, "failed to get status", http.StatusInternalServerError)
		return
	}

	resp := StatusResponse{
		Price:      rec.Price,
		PayTo:      rec.OwnerAddress,
		Network:    h.network,
		Size:       rec.Size,
		MimeType:   rec.MimeType,
		Expired:    rec.Expired(time.Now()),
		ExpiryDate: rec.ExpiryDate,
	}
	if rec.MaxDownloads != nil {
		remaining := *rec.MaxDownloads - rec.CurrentDownloads
		if remaining < 0 {
			remaining = 0
		}
		resp.DownloadsRemaining = &remaining
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}
