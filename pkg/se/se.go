// Package se is the HTTP-facing client for Storage Elements: capacity
// polling, file upload, and the download/verify/delete primitives
// FinalizeCoordinator uses to drive coordinator-mediated copy.
package se

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/filemesh/ingester/internal/model"
	"github.com/filemesh/ingester/pkg/coreerr"
)

// TokenSource supplies the bearer token for outbound SE calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// UploadResult is the SE's response to a successful upload.
type UploadResult struct {
	StorageFilename string `json:"storage_filename"`
	Checksum        string `json:"checksum"`
	FileSize        int64  `json:"file_size"`
}

// Client talks to the SE HTTP API. The endpoint is passed on each call, so
// one Client serves every SE and its transport pools connections.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
}

// New constructs an SE client. httpClient should be shared across SEs that
// share a transport; tokens supplies the bearer used on every call.
func New(httpClient *http.Client, tokens TokenSource) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient, tokens: tokens}
}

// GetCapacity polls an SE's /capacity endpoint.
func (c *Client) GetCapacity(ctx context.Context, endpoint, elementID string, timeout time.Duration) (model.CapacityEntry, model.HealthStatus, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, http.MethodGet, endpoint+"/capacity", nil)
	if err != nil {
		return model.CapacityEntry{}, model.HealthUnavailable, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.CapacityEntry{}, model.HealthUnavailable, coreerr.WithElement(
			coreerr.Wrap(coreerr.KindSEUnavailable, "capacity poll failed", err), elementID)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return model.CapacityEntry{}, model.HealthDegraded, coreerr.WithElement(
			coreerr.New(coreerr.KindSEUnavailable, fmt.Sprintf("capacity poll server error (status %d)", resp.StatusCode)), elementID)
	}
	if resp.StatusCode == http.StatusNotFound {
		return model.CapacityEntry{}, model.HealthUnavailable, coreerr.WithElement(
			coreerr.New(coreerr.KindStaleSE, "capacity endpoint not found"), elementID)
	}
	if resp.StatusCode != http.StatusOK {
		return model.CapacityEntry{}, model.HealthDegraded, coreerr.WithElement(
			coreerr.New(coreerr.KindSEUnavailable, fmt.Sprintf("unexpected capacity status %d", resp.StatusCode)), elementID)
	}

	var payload struct {
		CapacityTotal   int64   `json:"capacity_total"`
		CapacityUsed    int64   `json:"capacity_used"`
		CapacityFree    int64   `json:"capacity_free"`
		CapacityPercent float64 `json:"capacity_percent"`
		HealthStatus    string  `json:"health_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return model.CapacityEntry{}, model.HealthDegraded, coreerr.WithElement(
			coreerr.Wrap(coreerr.KindSEUnavailable, "malformed capacity payload", err), elementID)
	}

	entry := model.CapacityEntry{
		ElementID:       elementID,
		CapacityTotal:   payload.CapacityTotal,
		CapacityUsed:    payload.CapacityUsed,
		CapacityFree:    payload.CapacityFree,
		CapacityPercent: payload.CapacityPercent,
	}
	health := model.HealthHealthy
	if payload.HealthStatus != "" {
		health = model.HealthStatus(payload.HealthStatus)
	}
	return entry, health, nil
}

// Upload streams body to the SE's upload endpoint as multipart/form-data.
func (c *Client) Upload(ctx context.Context, endpoint string, filename string, body io.Reader, fields map[string]string) (*UploadResult, int, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer pw.Close()
		defer mw.Close()
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, body); err != nil {
			pw.CloseWithError(err)
			return
		}
	}()

	req, err := c.newRequest(ctx, http.MethodPost, endpoint+"/files/upload", pr)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, coreerr.Wrap(coreerr.KindSEUnavailable, "upload request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var result UploadResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("decoding upload response: %w", err)
		}
		return &result, resp.StatusCode, nil
	}
	return nil, resp.StatusCode, nil
}

// Download opens a streaming read of fileID's bytes from the source SE,
// used by FinalizeCoordinator's coordinator-mediated copy.
func (c *Client) Download(ctx context.Context, endpoint, fileID string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint+"/files/"+fileID+"/download", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindSEUnavailable, "download request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, coreerr.New(coreerr.KindSEUnavailable, fmt.Sprintf("download failed (status %d)", resp.StatusCode))
	}
	return resp.Body, nil
}

// Digest fetches the SE's computed digest for fileID (verify step).
func (c *Client) Digest(ctx context.Context, endpoint, fileID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint+"/files/"+fileID+"/digest", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindSEUnavailable, "digest request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", coreerr.New(coreerr.KindSEUnavailable, fmt.Sprintf("digest failed (status %d)", resp.StatusCode))
	}
	var payload struct {
		Checksum string `json:"checksum"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding digest response: %w", err)
	}
	return payload.Checksum, nil
}

// Delete removes fileID from the SE. Idempotent: a 404 is treated as success.
func (c *Client) Delete(ctx context.Context, endpoint, fileID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, endpoint+"/files/"+fileID, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return coreerr.Wrap(coreerr.KindSEUnavailable, "delete request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	return coreerr.New(coreerr.KindSEUnavailable, fmt.Sprintf("delete failed (status %d)", resp.StatusCode))
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building SE request: %w", err)
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtaining bearer token for SE call: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

// StatusClass buckets an HTTP status into the outcome classes the core
// reasons about (insufficient_storage, not_found, auth, client, server,
// network is signalled separately via an error with no status).
func StatusClass(status int) string {
	switch {
	case status == http.StatusInsufficientStorage:
		return "insufficient_storage"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "auth"
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	case status >= 200 && status < 300:
		return "success"
	default:
		return "unknown"
	}
}
