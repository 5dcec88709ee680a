// Package model holds the domain types shared across the Ingester core:
// storage elements, capacity/health entries, and the selection/finalize
// records that flow between packages.
package model

import "time"

// Mode is the operating mode of a Storage Element.
type Mode string

const (
	ModeEdit    Mode = "edit"
	ModeRW      Mode = "rw"
	ModeRO      Mode = "ro"
	ModeArchive Mode = "ar"
)

// Writable reports whether files may be written to an SE in this mode.
func (m Mode) Writable() bool {
	return m == ModeEdit || m == ModeRW
}

// RetentionPolicy is the client-requested lifetime of an uploaded file.
type RetentionPolicy string

const (
	RetentionTemporary RetentionPolicy = "temporary"
	RetentionPermanent RetentionPolicy = "permanent"
)

// ModeFor maps a retention policy to the SE mode that must host it.
func (p RetentionPolicy) ModeFor() (Mode, bool) {
	switch p {
	case RetentionTemporary:
		return ModeEdit, true
	case RetentionPermanent:
		return ModeRW, true
	default:
		return "", false
	}
}

// CapacityStatus is derived from capacity_percent and min_headroom thresholds.
type CapacityStatus string

const (
	CapacityOK       CapacityStatus = "ok"
	CapacityWarning  CapacityStatus = "warning"
	CapacityCritical CapacityStatus = "critical"
	CapacityFull     CapacityStatus = "full"
)

// HealthStatus reflects the outcome of the most recent poll of an SE.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnavailable HealthStatus = "unavailable"
)

// StorageElement is an entry in the SE map: element id mapped to its
// endpoint, priority, and mode. This is the catalogue shape, not the
// capacity/health snapshot (see CapacityEntry/HealthEntry).
type StorageElement struct {
	ElementID string
	Endpoint  string
	Priority  int
	Mode      Mode
}

// Less orders SEs by (priority ascending, element_id ascending), the
// selector's sole tie-breaking rule.
func (s StorageElement) Less(o StorageElement) bool {
	if s.Priority != o.Priority {
		return s.Priority < o.Priority
	}
	return s.ElementID < o.ElementID
}

// CapacityEntry is the Registry's per-SE capacity record.
type CapacityEntry struct {
	ElementID       string         `json:"element_id"`
	CapacityTotal   int64          `json:"capacity_total"`
	CapacityUsed    int64          `json:"capacity_used"`
	CapacityFree    int64          `json:"capacity_free"`
	CapacityPercent float64        `json:"capacity_percent"`
	CapacityStatus  CapacityStatus `json:"capacity_status"`
	LastUpdated     time.Time      `json:"last_updated"`
}

// HealthEntry is the Registry's per-SE health record.
type HealthEntry struct {
	ElementID    string       `json:"element_id"`
	HealthStatus HealthStatus `json:"health_status"`
	LastUpdated  time.Time    `json:"last_updated"`
}

// Thresholds configures the capacity_percent boundaries that derive
// CapacityStatus, plus the minimum free-space floor.
type Thresholds struct {
	WarningPercent  float64
	CriticalPercent float64
	FullPercent     float64
	MinHeadroom     int64
}

// DefaultThresholds matches spec defaults: warning 80%, critical 90%, full 98%.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningPercent:  80,
		CriticalPercent: 90,
		FullPercent:     98,
		MinHeadroom:     64 << 20, // 64 MiB
	}
}

// DeriveStatus computes CapacityStatus from the used percentage, the free
// bytes and the configured thresholds.
func (t Thresholds) DeriveStatus(percent float64, free int64) CapacityStatus {
	if percent >= t.FullPercent || free < t.MinHeadroom {
		return CapacityFull
	}
	if percent >= t.CriticalPercent {
		return CapacityCritical
	}
	if percent >= t.WarningPercent {
		return CapacityWarning
	}
	return CapacityOK
}

// SelectedSE is the result of a successful StorageSelector.Select call.
type SelectedSE struct {
	ElementID string
	Endpoint  string
	Mode      Mode
}

// FinalizeState is a FinalizeTransaction's position in the 2PC state machine.
type FinalizeState string

const (
	StateCopying    FinalizeState = "copying"
	StateCopied     FinalizeState = "copied"
	StateVerifying  FinalizeState = "verifying"
	StateCompleted  FinalizeState = "completed"
	StateFailed     FinalizeState = "failed"
	StateRolledBack FinalizeState = "rolled_back"
)

// ProgressPercent maps a FinalizeState to the client-facing progress value.
func (s FinalizeState) ProgressPercent() int {
	switch s {
	case StateCopying:
		return 25
	case StateCopied:
		return 50
	case StateVerifying:
		return 75
	case StateCompleted:
		return 100
	default: // failed, rolled_back
		return 0
	}
}

// FinalizeTransaction is a 2PC coordination record.
type FinalizeTransaction struct {
	TransactionID      string
	FileID             string
	SourceElementID    string
	TargetElementID    string
	State              FinalizeState
	CreatedAt          time.Time
	CompletedAt        *time.Time
	ChecksumVerified   bool
	Error              string
	CleanupScheduledAt *time.Time
	Attempts           int
}
