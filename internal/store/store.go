package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a scan.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusPending  Status = "pending"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

var (
	ErrDuplicateScan   = errors.New("package version already queued for scanning")
	ErrNotFound        = errors.New("scan not found")
	ErrWrongState      = errors.New("operation not allowed in current scan state")
	ErrNotOwned        = errors.New("scan lease is held by another worker")
	ErrAlreadyReported = errors.New("scan already reported")
	ErrUnknownRule     = errors.New("submitted rule is not known")
)

// Scan is one inspection task for a (name, version) pair.
type Scan struct {
	ScanID  uuid.UUID `db:"scan_id" json:"scan_id"`
	Name    string    `db:"name" json:"name"`
	Version string    `db:"version" json:"version"`
	Status  Status    `db:"status" json:"status"`

	Score        *int64          `db:"score" json:"score"`
	InspectorURL *string         `db:"inspector_url" json:"inspector_url"`
	CommitHash   *string         `db:"commit_hash" json:"commit_hash"`
	FailReason   *string         `db:"fail_reason" json:"fail_reason"`
	Files        json.RawMessage `db:"files" json:"files,omitempty"`

	QueuedAt   time.Time  `db:"queued_at" json:"queued_at"`
	QueuedBy   string     `db:"queued_by" json:"queued_by"`
	PendingAt  *time.Time `db:"pending_at" json:"pending_at"`
	PendingBy  *string    `db:"pending_by" json:"pending_by"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at"`
	FinishedBy *string    `db:"finished_by" json:"finished_by"`
	ReportedAt *time.Time `db:"reported_at" json:"reported_at"`
	ReportedBy *string    `db:"reported_by" json:"reported_by"`

	Rules        []string `db:"-" json:"rules"`
	DownloadURLs []string `db:"-" json:"download_urls"`
}

// ClaimedScan is what a dispatcher hands to a worker. The ruleset
// snapshot travels separately; only the commit hash is persisted.
type ClaimedScan struct {
	ScanID       uuid.UUID
	Name         string
	Version      string
	CommitHash   string
	DownloadURLs []string
}

// SubmitResult carries a worker's successful scan outcome.
type SubmitResult struct {
	Score        int64
	InspectorURL string
	Rules        []string
	Files        json.RawMessage
}

// ListFilter narrows List. Zero values mean "no constraint".
type ListFilter struct {
	Name    string
	Version string
	Status  Status
	// Since/Until bound finished_at (inclusive lower, exclusive upper).
	Since time.Time
	Until time.Time
	// ReportedSince/ReportedUntil bound reported_at the same way.
	ReportedSince time.Time
	ReportedUntil time.Time

	Cursor string
	Limit  int
}

// Store is the database gateway for scans and rules.
type Store interface {
	InsertScan(ctx context.Context, name, version string, urls []string, actor string) (uuid.UUID, error)

	// ClaimNext promotes one claimable scan to pending and returns it,
	// or (nil, nil) when nothing is claimable. A scan is claimable when
	// it is queued, or pending with pending_at older than cutoff.
	ClaimNext(ctx context.Context, actor string, now, cutoff time.Time, commitHash string) (*ClaimedScan, error)

	Submit(ctx context.Context, scanID uuid.UUID, actor string, now time.Time, res SubmitResult) error
	Fail(ctx context.Context, scanID uuid.UUID, actor string, now time.Time, reason string) error

	MarkReported(ctx context.Context, scanID uuid.UUID, actor string, now time.Time) error
	ClearReported(ctx context.Context, scanID uuid.UUID) error

	GetByNameVersion(ctx context.Context, name, version string) (*Scan, error)
	ListByName(ctx context.Context, name string) ([]Scan, error)
	List(ctx context.Context, filter ListFilter) ([]Scan, string, error)

	// SyncRules reconciles the rules table with the given snapshot:
	// new names are inserted, removed names are deleted unless some
	// finished scan still references them.
	SyncRules(ctx context.Context, names []string) error

	CountByStatus(ctx context.Context, status Status) (int64, error)
	OldestQueuedAge(ctx context.Context) (time.Duration, error)

	Ping(ctx context.Context) error
}
