// Package finalize implements FinalizeCoordinator: the two-phase commit
// that promotes a temporary file on an Edit SE to a permanent file on a RW
// SE, with coordinator-mediated copy, checksum verification, deferred
// source deletion, and crash recovery.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/filemesh/ingester/internal/model"
	"github.com/filemesh/ingester/pkg/admin"
	"github.com/filemesh/ingester/pkg/coreerr"
	"github.com/filemesh/ingester/pkg/se"
)

// SEMapSource exposes the current SE map for source/target endpoint lookup.
type SEMapSource interface {
	Current() map[string]model.StorageElement
}

// Selector picks a permanent target when the caller doesn't pin one.
type Selector interface {
	Select(ctx context.Context, fileSize int64, retentionPolicy model.RetentionPolicy, targetElementID string, excludeElementIDs ...string) (model.SelectedSE, error)
}

// AdminClient is the subset of admin.Client the coordinator drives.
type AdminClient interface {
	GetFile(ctx context.Context, fileID string) (admin.FileRecord, error)
	UpdateFileLocation(ctx context.Context, fileID, targetElementID string) error
}

// SEClient is the subset of se.Client used to copy and verify file bytes.
type SEClient interface {
	Download(ctx context.Context, endpoint, fileID string) (io.ReadCloser, error)
	Upload(ctx context.Context, endpoint, filename string, body io.Reader, fields map[string]string) (*se.UploadResult, int, error)
	Digest(ctx context.Context, endpoint, fileID string) (string, error)
	Delete(ctx context.Context, endpoint, fileID string) error
}

// Notifier is told about transactions reaching a terminal failure state, so
// operational alerting can page without FinalizeCoordinator depending on it
// directly.
type Notifier interface {
	NotifyFinalizeFailed(ctx context.Context, txn model.FinalizeTransaction)
}

// AuditRecorder logs FinalizeTransaction state transitions to the
// operational audit trail.
type AuditRecorder interface {
	RecordFinalizeTransition(transactionID, fileID, state string)
}

// Metrics receives state-transition and phase-duration observations.
type Metrics interface {
	ObserveTransition(state string)
	ObservePhaseDuration(phase string, seconds float64)
	ObserveFailure(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTransition(string)             {}
func (noopMetrics) ObservePhaseDuration(string, float64) {}
func (noopMetrics) ObserveFailure(string)                {}

type noopNotifier struct{}

func (noopNotifier) NotifyFinalizeFailed(context.Context, model.FinalizeTransaction) {}

type noopAudit struct{}

func (noopAudit) RecordFinalizeTransition(string, string, string) {}

// ErrAlreadyPermanent is returned when Start is called for a file that is
// already permanent.
var ErrAlreadyPermanent = errors.New("finalize: file is already permanent")

// Config configures a Coordinator. Zero values take spec defaults.
type Config struct {
	SafetyMargin     time.Duration // delay before source delete, default 24h
	PhaseMaxAttempts int           // default 3
	RecoveryTimeout  time.Duration // default 30m
}

func (c Config) normalized() Config {
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = 24 * time.Hour
	}
	if c.PhaseMaxAttempts <= 0 {
		c.PhaseMaxAttempts = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Minute
	}
	return c
}

// Coordinator implements FinalizeCoordinator.
type Coordinator struct {
	cfg      Config
	store    Store
	admin    AdminClient
	selector Selector
	seMap    SEMapSource
	se       SEClient
	notifier Notifier
	audit    AuditRecorder
	logger   *slog.Logger
	metrics  Metrics

	bgCtx context.Context
}

// New constructs a Coordinator. bgCtx is the root context under which
// asynchronous phase execution runs after Start returns 202 to the caller;
// it should be cancelled only on process shutdown, not per-request.
func New(bgCtx context.Context, cfg Config, store Store, adminClient AdminClient, selector Selector, seMap SEMapSource, seClient SEClient, notifier Notifier, audit AuditRecorder, logger *slog.Logger, metrics Metrics) *Coordinator {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if audit == nil {
		audit = noopAudit{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Coordinator{
		cfg: cfg.normalized(), store: store, admin: adminClient, selector: selector,
		seMap: seMap, se: seClient, notifier: notifier, audit: audit, logger: logger, metrics: metrics, bgCtx: bgCtx,
	}
}

// Start runs the Prepare step synchronously and, on success, launches the
// copy/verify/commit protocol in the background, returning the new
// transaction in state "copying" for the caller to report as HTTP 202.
func (c *Coordinator) Start(ctx context.Context, fileID, targetElementID string) (model.FinalizeTransaction, error) {
	record, err := c.admin.GetFile(ctx, fileID)
	if err != nil {
		return model.FinalizeTransaction{}, err
	}
	if model.RetentionPolicy(record.RetentionPolicy) == model.RetentionPermanent {
		return model.FinalizeTransaction{}, ErrAlreadyPermanent
	}

	if targetElementID == "" {
		selected, err := c.selector.Select(ctx, 0, model.RetentionPermanent, "")
		if err != nil {
			return model.FinalizeTransaction{}, err
		}
		targetElementID = selected.ElementID
	}

	current := c.seMap.Current()
	target, ok := current[targetElementID]
	if !ok || target.Mode != model.ModeRW {
		return model.FinalizeTransaction{}, coreerr.New(coreerr.KindConfiguration, "finalize target must be an rw storage element: "+targetElementID)
	}
	source, ok := current[record.StorageElementID]
	if !ok {
		return model.FinalizeTransaction{}, coreerr.WithElement(coreerr.New(coreerr.KindStaleSE, "source storage element unknown"), record.StorageElementID)
	}

	txn := model.FinalizeTransaction{
		TransactionID:   uuid.New().String(),
		FileID:          fileID,
		SourceElementID: source.ElementID,
		TargetElementID: target.ElementID,
		State:           model.StateCopying,
		CreatedAt:       time.Now(),
	}
	if err := c.store.Create(ctx, txn); err != nil {
		return model.FinalizeTransaction{}, err
	}
	c.metrics.ObserveTransition(string(model.StateCopying))
	c.audit.RecordFinalizeTransition(txn.TransactionID, txn.FileID, string(model.StateCopying))

	go c.run(c.bgCtx, txn, source.Endpoint, target.Endpoint)

	return txn, nil
}

// GetStatus returns a transaction's current state for the status endpoint.
func (c *Coordinator) GetStatus(ctx context.Context, transactionID string) (model.FinalizeTransaction, error) {
	return c.store.Get(ctx, transactionID)
}

func (c *Coordinator) run(ctx context.Context, txn model.FinalizeTransaction, sourceEndpoint, targetEndpoint string) {
	if err := c.copyPhase(ctx, &txn, sourceEndpoint, targetEndpoint); err != nil {
		c.fail(ctx, &txn, err)
		return
	}
	txn.State = model.StateCopied
	c.persist(ctx, txn)
	c.audit.RecordFinalizeTransition(txn.TransactionID, txn.FileID, string(model.StateCopied))

	verified, err := c.verifyPhase(ctx, &txn, sourceEndpoint, targetEndpoint)
	if err != nil {
		c.compensate(ctx, txn, targetEndpoint)
		c.fail(ctx, &txn, err)
		return
	}
	txn.ChecksumVerified = verified
	if !verified {
		c.compensate(ctx, txn, targetEndpoint)
		c.fail(ctx, &txn, coreerr.New(coreerr.KindIntegrity, "target checksum does not match source"))
		return
	}

	if err := c.commitPhase(ctx, txn.FileID, txn.TargetElementID); err != nil {
		c.compensate(ctx, txn, targetEndpoint)
		c.fail(ctx, &txn, err)
		return
	}

	now := time.Now()
	cleanup := now.Add(c.cfg.SafetyMargin)
	txn.State = model.StateCompleted
	txn.CompletedAt = &now
	txn.CleanupScheduledAt = &cleanup
	c.persist(ctx, txn)
	c.metrics.ObserveTransition(string(model.StateCompleted))
	c.audit.RecordFinalizeTransition(txn.TransactionID, txn.FileID, string(model.StateCompleted))
}

// copyPhase streams source bytes to the target through the SE client's own
// io.Pipe-backed upload, retried up to PhaseMaxAttempts with exponential
// backoff.
func (c *Coordinator) copyPhase(ctx context.Context, txn *model.FinalizeTransaction, sourceEndpoint, targetEndpoint string) error {
	start := time.Now()
	defer func() { c.metrics.ObservePhaseDuration("copy", time.Since(start).Seconds()) }()

	return c.withRetries(ctx, func() error {
		body, err := c.se.Download(ctx, sourceEndpoint, txn.FileID)
		if err != nil {
			return err
		}
		defer body.Close()

		_, status, err := c.se.Upload(ctx, targetEndpoint, txn.FileID, body, map[string]string{"file_id": txn.FileID})
		if err != nil {
			return err
		}
		if se.StatusClass(status) != "success" {
			return coreerr.New(coreerr.KindSEUnavailable, fmt.Sprintf("copy upload rejected (status %d)", status))
		}
		return nil
	})
}

// verifyPhase computes source and target digests and reports whether they
// match, retrying transient digest failures.
func (c *Coordinator) verifyPhase(ctx context.Context, txn *model.FinalizeTransaction, sourceEndpoint, targetEndpoint string) (bool, error) {
	start := time.Now()
	defer func() { c.metrics.ObservePhaseDuration("verify", time.Since(start).Seconds()) }()

	txn.State = model.StateVerifying
	c.persist(ctx, *txn)
	c.audit.RecordFinalizeTransition(txn.TransactionID, txn.FileID, string(model.StateVerifying))

	var sourceDigest, targetDigest string
	err := c.withRetries(ctx, func() error {
		var err error
		sourceDigest, err = c.se.Digest(ctx, sourceEndpoint, txn.FileID)
		if err != nil {
			return err
		}
		targetDigest, err = c.se.Digest(ctx, targetEndpoint, txn.FileID)
		return err
	})
	if err != nil {
		return false, err
	}
	return sourceDigest == targetDigest, nil
}

func (c *Coordinator) commitPhase(ctx context.Context, fileID, targetElementID string) error {
	start := time.Now()
	defer func() { c.metrics.ObservePhaseDuration("commit", time.Since(start).Seconds()) }()
	return c.withRetries(ctx, func() error {
		return c.admin.UpdateFileLocation(ctx, fileID, targetElementID)
	})
}

// compensate deletes any partial data written to target before commit.
// Failures are logged but never block marking the transaction rolled_back.
func (c *Coordinator) compensate(ctx context.Context, txn model.FinalizeTransaction, targetEndpoint string) {
	if err := c.se.Delete(ctx, targetEndpoint, txn.FileID); err != nil && c.logger != nil {
		c.logger.Warn("finalize: best-effort target compensation failed", "transaction_id", txn.TransactionID, "error", err)
	}
}

// fail records the failed->rolled_back transition (compensation, if any,
// has already run by the time this is called) and notifies.
func (c *Coordinator) fail(ctx context.Context, txn *model.FinalizeTransaction, cause error) {
	txn.State = model.StateFailed
	txn.Error = cause.Error()
	c.persist(ctx, *txn)
	c.metrics.ObserveTransition(string(model.StateFailed))
	c.metrics.ObserveFailure(cause.Error())
	c.audit.RecordFinalizeTransition(txn.TransactionID, txn.FileID, string(model.StateFailed))

	txn.State = model.StateRolledBack
	c.persist(ctx, *txn)
	c.metrics.ObserveTransition(string(model.StateRolledBack))
	c.audit.RecordFinalizeTransition(txn.TransactionID, txn.FileID, string(model.StateRolledBack))
	c.notifier.NotifyFinalizeFailed(ctx, *txn)
}

func (c *Coordinator) persist(ctx context.Context, txn model.FinalizeTransaction) {
	if err := c.store.Update(ctx, txn); err != nil && c.logger != nil {
		c.logger.Error("finalize: failed to persist transaction state", "transaction_id", txn.TransactionID, "error", err)
	}
}

// withRetries runs fn up to PhaseMaxAttempts times with exponential backoff
// starting at 200ms, returning the last error if every attempt fails.
func (c *Coordinator) withRetries(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < c.cfg.PhaseMaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if c.logger != nil {
				c.logger.Warn("finalize: phase attempt failed, retrying", "attempt", attempt, "error", err)
			}
		}
		if attempt == c.cfg.PhaseMaxAttempts-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return lastErr
}

// RecoverStale implements crash recovery: transactions stuck in
// copying/copied/verifying longer than RecoveryTimeout are moved to
// failed/rolled_back and their target data is compensated.
func (c *Coordinator) RecoverStale(ctx context.Context) error {
	stale, err := c.store.ListByStates(ctx, model.StateCopying, model.StateCopied, model.StateVerifying)
	if err != nil {
		return err
	}

	current := c.seMap.Current()
	for _, txn := range stale {
		if time.Since(txn.CreatedAt) < c.cfg.RecoveryTimeout {
			continue
		}
		if target, ok := current[txn.TargetElementID]; ok {
			c.compensate(ctx, txn, target.Endpoint)
		}
		cause := errors.New("recovered after crash: exceeded recovery timeout")
		c.fail(ctx, &txn, cause)
	}
	return nil
}
