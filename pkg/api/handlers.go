// Package api implements the HTTP surface: POST /files/upload, POST
// /finalize/{file_id}, and GET /finalize/{transaction_id}/status, mounted
// onto httpserver.Server.APIRouter and delegating to UploadCoordinator and
// FinalizeCoordinator.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/filemesh/ingester/internal/httpserver"
	"github.com/filemesh/ingester/internal/model"
	"github.com/filemesh/ingester/pkg/coreerr"
	"github.com/filemesh/ingester/pkg/finalize"
	"github.com/filemesh/ingester/pkg/upload"
)

const maxUploadBody = 5 << 30 // 5 GiB, matches large SE payloads; actual cap enforced by capacity checks upstream.

// UploadCoordinator is the subset of upload.Coordinator the handler drives.
type UploadCoordinator interface {
	Upload(ctx context.Context, body io.Reader, fileSize int64, retentionPolicy model.RetentionPolicy, targetElementID string, meta upload.Metadata) (upload.Result, error)
}

// FinalizeCoordinator is the subset of finalize.Coordinator the handler drives.
type FinalizeCoordinator interface {
	Start(ctx context.Context, fileID, targetElementID string) (model.FinalizeTransaction, error)
	GetStatus(ctx context.Context, transactionID string) (model.FinalizeTransaction, error)
}

// AuditWriter records upload/finalize activity for the operational audit
// trail. A nil AuditWriter on Handler disables recording.
type AuditWriter interface {
	RecordUpload(fileID, elementID string, fileSize int64)
	RecordFinalizeStart(transactionID, fileID, sourceElementID, targetElementID string)
}

// Handler wires the HTTP surface onto the upload/finalize coordinators.
type Handler struct {
	upload   UploadCoordinator
	finalize FinalizeCoordinator
	audit    AuditWriter
	logger   *slog.Logger
}

// New constructs a Handler. audit may be nil.
func New(uploadCoordinator UploadCoordinator, finalizeCoordinator FinalizeCoordinator, audit AuditWriter, logger *slog.Logger) *Handler {
	return &Handler{upload: uploadCoordinator, finalize: finalizeCoordinator, audit: audit, logger: logger}
}

// Mount registers the handler's routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/files/upload", h.handleUpload)
	r.Post("/finalize/{file_id}", h.handleFinalizeStart)
	r.Get("/finalize/{transaction_id}/status", h.handleFinalizeStatus)
}

type uploadResponse struct {
	FileID             string  `json:"file_id"`
	OriginalFilename   string  `json:"original_filename"`
	StorageFilename    string  `json:"storage_filename"`
	FileSize           int64   `json:"file_size"`
	Checksum           string  `json:"checksum"`
	UploadedAt         string  `json:"uploaded_at"`
	StorageElementURL  string  `json:"storage_element_url"`
	RetentionPolicy    string  `json:"retention_policy"`
	TTLExpiresAt       *string `json:"ttl_expires_at,omitempty"`
	StorageElementID   string  `json:"storage_element_id"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)

	reader, err := r.MultipartReader()
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "expected multipart/form-data body")
		return
	}

	var (
		fileReader      io.Reader
		filename        string
		retentionPolicy = model.RetentionTemporary
		targetElementID string
		ttlDays         int
		description     string
		compress        bool
		compressionAlgo string
		metadataJSON    string
		fileSize        int64
	)

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "malformed multipart body")
			return
		}

		switch part.FormName() {
		case "file":
			filename = part.FileName()
			fileReader = part
			// Remaining fields after "file" would be lost once the part is
			// consumed by the coordinator; clients must send "file" last.
		case "retention_policy":
			b, _ := io.ReadAll(part)
			if v := model.RetentionPolicy(string(b)); v == model.RetentionTemporary || v == model.RetentionPermanent {
				retentionPolicy = v
			}
		case "target_element_id", "target_storage_element_id":
			b, _ := io.ReadAll(part)
			targetElementID = string(b)
		case "ttl_days":
			b, _ := io.ReadAll(part)
			ttlDays, _ = strconv.Atoi(string(b))
		case "description":
			b, _ := io.ReadAll(part)
			description = string(b)
		case "compress":
			b, _ := io.ReadAll(part)
			compress, _ = strconv.ParseBool(string(b))
		case "compression_algorithm":
			b, _ := io.ReadAll(part)
			compressionAlgo = string(b)
		case "metadata":
			b, _ := io.ReadAll(part)
			metadataJSON = string(b)
		default:
			_, _ = io.Copy(io.Discard, part)
		}

		if fileReader != nil {
			break
		}
	}

	if fileReader == nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "missing \"file\" part")
		return
	}
	if retentionPolicy == model.RetentionTemporary && ttlDays != 0 && (ttlDays < 1 || ttlDays > 365) {
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "validation_error", "ttl_days must be between 1 and 365")
		return
	}
	if len(description) > 1000 {
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "validation_error", "description must be at most 1000 characters")
		return
	}

	meta := upload.Metadata{
		OriginalFilename: filename,
		Description:      description,
		Fields: map[string]string{
			"compress": strconv.FormatBool(compress),
		},
	}
	if compressionAlgo != "" {
		meta.Fields["compression_algorithm"] = compressionAlgo
	}
	if metadataJSON != "" {
		meta.Fields["metadata"] = metadataJSON
	}
	if ttlDays > 0 {
		meta.Fields["ttl_days"] = strconv.Itoa(ttlDays)
	}

	// fileSize is unknown until the stream is fully read (the multipart form
	// carries no declared size); the selector treats 0 as "enforce only
	// min_headroom", the documented behavior for a size-less upload.
	result, err := h.upload.Upload(r.Context(), fileReader, fileSize, retentionPolicy, targetElementID, meta)
	if err != nil {
		h.respondCoreError(w, err)
		return
	}

	fileID := uuid.New().String()
	if h.audit != nil {
		h.audit.RecordUpload(fileID, result.ElementID, result.FileSize)
	}

	var ttlExpiresAt *string
	if retentionPolicy == model.RetentionTemporary && ttlDays > 0 {
		s := time.Now().AddDate(0, 0, ttlDays).UTC().Format(time.RFC3339)
		ttlExpiresAt = &s
	}

	httpserver.Respond(w, http.StatusCreated, uploadResponse{
		FileID:            fileID,
		OriginalFilename:  filename,
		StorageFilename:   result.StorageFilename,
		FileSize:          result.FileSize,
		Checksum:          result.Checksum,
		UploadedAt:        time.Now().UTC().Format(time.RFC3339),
		StorageElementURL: "", // resolved by callers via the SE map; not echoed here to avoid leaking internal endpoints
		RetentionPolicy:   string(retentionPolicy),
		TTLExpiresAt:      ttlExpiresAt,
		StorageElementID:  result.ElementID,
	})
}

type finalizeRequest struct {
	TargetStorageElementID string `json:"target_storage_element_id,omitempty" validate:"omitempty,max=128"`
	Description            string `json:"description,omitempty" validate:"omitempty,max=1000"`
	Metadata                string `json:"metadata,omitempty" validate:"omitempty,max=4096"`
}

type finalizeResponse struct {
	TransactionID string `json:"transaction_id"`
	FileID        string `json:"file_id"`
	State         string `json:"state"`
}

func (h *Handler) handleFinalizeStart(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")

	var req finalizeRequest
	if r.ContentLength != 0 {
		// The body is optional: only decode+validate when the caller sent one.
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}
	}

	txn, err := h.finalize.Start(r.Context(), fileID, req.TargetStorageElementID)
	if err != nil {
		if errors.Is(err, finalize.ErrAlreadyPermanent) {
			httpserver.RespondError(w, http.StatusConflict, "already_permanent", "file is already permanent")
			return
		}
		h.respondCoreError(w, err)
		return
	}

	if h.audit != nil {
		h.audit.RecordFinalizeStart(txn.TransactionID, txn.FileID, txn.SourceElementID, txn.TargetElementID)
	}

	httpserver.Respond(w, http.StatusAccepted, finalizeResponse{
		TransactionID: txn.TransactionID,
		FileID:        txn.FileID,
		State:         string(txn.State),
	})
}

type finalizeStatusResponse struct {
	TransactionID string     `json:"transaction_id"`
	FileID        string     `json:"file_id"`
	State         string     `json:"state"`
	ProgressPct   int        `json:"progress_percent"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func (h *Handler) handleFinalizeStatus(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transaction_id")

	txn, err := h.finalize.GetStatus(r.Context(), transactionID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "transaction not found")
		return
	}

	httpserver.Respond(w, http.StatusOK, finalizeStatusResponse{
		TransactionID: txn.TransactionID,
		FileID:        txn.FileID,
		State:         string(txn.State),
		ProgressPct:   txn.State.ProgressPercent(),
		CreatedAt:     txn.CreatedAt,
		CompletedAt:   txn.CompletedAt,
		Error:         txn.Error,
	})
}

// respondCoreError maps a coreerr.Kind to an HTTP status:
// Configuration -> 400, CapacityExhausted and Core/Registry/Admin/SE
// unavailable -> 503, Integrity -> 422, Auth -> 502, Timeout/Cancelled ->
// 504, any other Kind -> 502, and an unclassified error -> 500.
func (h *Handler) respondCoreError(w http.ResponseWriter, err error) {
	kind, ok := coreerr.KindOf(err)
	if !ok {
		if h.logger != nil {
			h.logger.Error("api: unclassified error", "error", err)
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
		return
	}

	switch kind {
	case coreerr.KindConfiguration:
		httpserver.RespondError(w, http.StatusBadRequest, "configuration_error", err.Error())
	case coreerr.KindCapacityExhausted:
		httpserver.RespondError(w, http.StatusServiceUnavailable, "no_storage_available", "no storage element is currently available")
	case coreerr.KindCoreUnavailable, coreerr.KindRegistryUnavailable, coreerr.KindAdminUnavailable, coreerr.KindSEUnavailable:
		httpserver.RespondError(w, http.StatusServiceUnavailable, "core_unavailable", err.Error())
	case coreerr.KindIntegrity:
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "integrity_error", err.Error())
	case coreerr.KindAuth:
		httpserver.RespondError(w, http.StatusBadGateway, "upstream_auth_error", "upstream authentication failed")
	case coreerr.KindTimeout, coreerr.KindCancelled:
		httpserver.RespondError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		httpserver.RespondError(w, http.StatusBadGateway, "upstream_error", err.Error())
	}
}
