// Package admin implements AdminFallback: the HTTP client used to reach
// the Admin control plane directly when the Registry is unavailable, and
// to perform operations (file-registry updates, SE lookups) that only
// Admin is authoritative for.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/filemesh/ingester/internal/model"
	"github.com/filemesh/ingester/pkg/coreerr"
)

// TokenSource supplies the bearer token for outbound Admin calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is the Admin-facing HTTP client.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs an Admin client. A zero timeout defaults to 10s per spec.
func New(baseURL string, tokens TokenSource, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type elementDTO struct {
	ElementID string `json:"element_id"`
	Endpoint  string `json:"endpoint"`
	Priority  int    `json:"priority"`
	Mode      string `json:"mode"`
}

// Ping performs a lightweight reachability check against Admin, used by the
// readiness endpoint's "Registry reachable OR Admin reachable" predicate.
// It does not require a bearer token so a stalled AuthClient can't mask
// Admin's own availability.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health/live", nil)
	if err != nil {
		return fmt.Errorf("building admin ping request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return coreerr.WithSource(coreerr.Wrap(coreerr.KindAdminUnavailable, "admin ping failed", err), "admin")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return coreerr.WithSource(coreerr.New(coreerr.KindAdminUnavailable, fmt.Sprintf("admin ping status %d", resp.StatusCode)), "admin")
	}
	return nil
}

// ListAvailableElements returns the SE catalogue as known by Admin. Callers
// must label this path source=admin in logs/metrics.
func (c *Client) ListAvailableElements(ctx context.Context) ([]model.StorageElement, error) {
	var dtos []elementDTO
	if err := c.do(ctx, http.MethodGet, "/api/v1/storage-elements", nil, &dtos); err != nil {
		return nil, err
	}
	elements := make([]model.StorageElement, 0, len(dtos))
	for _, d := range dtos {
		elements = append(elements, model.StorageElement{
			ElementID: d.ElementID,
			Endpoint:  d.Endpoint,
			Priority:  d.Priority,
			Mode:      model.Mode(d.Mode),
		})
	}
	return elements, nil
}

// GetCapacity returns Admin's last-known capacity snapshot for elementID.
// This data may be staler than the Registry's.
func (c *Client) GetCapacity(ctx context.Context, elementID string) (model.CapacityEntry, error) {
	var entry model.CapacityEntry
	err := c.do(ctx, http.MethodGet, "/api/v1/storage-elements/"+elementID+"/capacity", nil, &entry)
	return entry, err
}

// UpdateFileLocation points Admin's authoritative file registry at
// targetElementID for fileID — the Finalize 2PC commit phase.
func (c *Client) UpdateFileLocation(ctx context.Context, fileID, targetElementID string) error {
	body := map[string]string{"storage_element_id": targetElementID}
	return c.do(ctx, http.MethodPut, "/api/v1/files/"+fileID+"/location", body, nil)
}

// FileRecord is Admin's authoritative metadata for a file.
type FileRecord struct {
	FileID          string `json:"file_id"`
	RetentionPolicy string `json:"retention_policy"`
	StorageElementID string `json:"storage_element_id"`
}

// GetFile looks up a file's authoritative record, used by FinalizeCoordinator
// to validate a file is temporary before starting the 2PC protocol.
func (c *Client) GetFile(ctx context.Context, fileID string) (FileRecord, error) {
	var rec FileRecord
	err := c.do(ctx, http.MethodGet, "/api/v1/files/"+fileID, nil, &rec)
	return rec, err
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling admin request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating admin request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("obtaining bearer token for admin call: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return coreerr.WithSource(coreerr.Wrap(coreerr.KindAdminUnavailable, "admin request failed", err), "admin")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return coreerr.WithSource(coreerr.New(coreerr.KindAdminUnavailable, fmt.Sprintf("admin server error (status %d)", resp.StatusCode)), "admin")
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding admin response: %w", err)
		}
	}

	return nil
}
