// Package upload implements UploadCoordinator: driving a single upload
// against a selected SE, classifying outcomes, and coordinating lazy
// reloads with RegistryReloader.
package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/filemesh/ingester/internal/model"
	"github.com/filemesh/ingester/pkg/coreerr"
	"github.com/filemesh/ingester/pkg/se"
)

// Selector is the StorageSelector surface UploadCoordinator consumes.
type Selector interface {
	Select(ctx context.Context, fileSize int64, retentionPolicy model.RetentionPolicy, targetElementID string, excludeElementIDs ...string) (model.SelectedSE, error)
	InvalidateCache()
}

// Reloader is the narrow capability UploadCoordinator needs from
// RegistryReloader, breaking the Upload<->Reloader reference cycle.
type Reloader interface {
	TriggerLazyReload(ctx context.Context, reason string) error
}

// TokenSource supplies the bearer token for the SE upload call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// SEUploader is the subset of se.Client used here.
type SEUploader interface {
	Upload(ctx context.Context, endpoint, filename string, body io.Reader, fields map[string]string) (*se.UploadResult, int, error)
}

// Metrics receives per-attempt outcome counters and latency observations.
type Metrics interface {
	ObserveAttempt(elementID, outcome string)
	ObserveLatency(seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveAttempt(string, string) {}
func (noopMetrics) ObserveLatency(float64)         {}

// Metadata carries the client-provided upload request fields forwarded to
// the SE, aside from the file body itself.
type Metadata struct {
	OriginalFilename string
	Description      string
	Fields           map[string]string // extra SE form fields (ttl_days, compression, etc.)
}

// Result is the outcome of a successful upload.
type Result struct {
	ElementID       string
	StorageFilename string
	Checksum        string
	FileSize        int64
}

// Coordinator implements UploadCoordinator.Upload.
type Coordinator struct {
	selector Selector
	reloader Reloader
	tokens   TokenSource
	se       SEUploader
	logger   *slog.Logger
	metrics  Metrics
}

// New constructs an UploadCoordinator.
func New(selector Selector, reloader Reloader, tokens TokenSource, seClient SEUploader, logger *slog.Logger, metrics Metrics) *Coordinator {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Coordinator{selector: selector, reloader: reloader, tokens: tokens, se: seClient, logger: logger, metrics: metrics}
}

// Upload drives at most two SE attempts for one logical upload request.
func (c *Coordinator) Upload(ctx context.Context, body io.Reader, fileSize int64, retentionPolicy model.RetentionPolicy, targetElementID string, meta Metadata) (Result, error) {
	start := time.Now()
	defer func() { c.metrics.ObserveLatency(time.Since(start).Seconds()) }()

	selected, err := c.selector.Select(ctx, fileSize, retentionPolicy, targetElementID)
	if err != nil {
		return Result{}, err
	}

	result, err := c.attempt(ctx, selected, body, meta)
	if err == nil {
		return result, nil
	}

	kind, _ := coreerr.KindOf(err)
	switch kind {
	case coreerr.KindAuth:
		// 401/403: drop the cached token when the token source supports it
		// (authclient.Client.Close), so the next Token() call refreshes,
		// and retry once against the same SE.
		if closer, ok := c.tokens.(interface{ Close() }); ok {
			closer.Close()
		}
		result, retryErr := c.attempt(ctx, selected, body, meta)
		if retryErr == nil {
			return result, nil
		}
		return Result{}, retryErr
	case coreerr.KindStaleSE, coreerr.KindSEUnavailable:
		if errors.Is(err, errServerError) {
			return Result{}, err // 5xx from the SE: fail without reselecting
		}
		reason := "se_error"
		if kind == coreerr.KindStaleSE {
			reason = "stale_config"
		}
		if c.reloader != nil {
			if rerr := c.reloader.TriggerLazyReload(ctx, reason); rerr != nil && c.logger != nil {
				c.logger.Warn("upload: lazy reload failed", "error", rerr)
			}
			c.selector.InvalidateCache()
		}
		reselected, serr := c.selector.Select(ctx, fileSize, retentionPolicy, targetElementID, selected.ElementID)
		if serr != nil {
			return Result{}, err // surface the original error if reselection can't even happen
		}
		return c.attempt(ctx, reselected, body, meta)
	default:
		return Result{}, err
	}
}

// errServerError marks an SE 5xx response so Upload can tell it apart from
// the SEUnavailable outcomes that do trigger reselection.
var errServerError = errors.New("se server error")

func (c *Coordinator) attempt(ctx context.Context, selected model.SelectedSE, body io.Reader, meta Metadata) (Result, error) {
	fields := map[string]string{"description": meta.Description}
	for k, v := range meta.Fields {
		fields[k] = v
	}

	uploadResult, status, err := c.se.Upload(ctx, selected.Endpoint, meta.OriginalFilename, body, fields)
	if err != nil {
		c.metrics.ObserveAttempt(selected.ElementID, "network_error")
		return Result{}, coreerr.WithElement(coreerr.Wrap(coreerr.KindSEUnavailable, "upload request failed", err), selected.ElementID)
	}

	class := se.StatusClass(status)
	c.metrics.ObserveAttempt(selected.ElementID, class)

	switch class {
	case "success":
		return Result{
			ElementID:       selected.ElementID,
			StorageFilename: uploadResult.StorageFilename,
			Checksum:        uploadResult.Checksum,
			FileSize:        uploadResult.FileSize,
		}, nil
	case "insufficient_storage":
		return Result{}, coreerr.WithElement(coreerr.New(coreerr.KindSEUnavailable, "insufficient storage"), selected.ElementID)
	case "not_found":
		return Result{}, coreerr.WithElement(coreerr.New(coreerr.KindStaleSE, "se endpoint stale (404)"), selected.ElementID)
	case "auth":
		return Result{}, coreerr.WithElement(coreerr.New(coreerr.KindAuth, "se rejected bearer token"), selected.ElementID)
	case "server_error":
		return Result{}, coreerr.WithElement(coreerr.Wrap(coreerr.KindSEUnavailable, "se server error", errServerError), selected.ElementID)
	default: // client_error and anything else
		return Result{}, coreerr.WithElement(coreerr.New(coreerr.KindConfiguration, "se rejected upload request"), selected.ElementID)
	}
}
