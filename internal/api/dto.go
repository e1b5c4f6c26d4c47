package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vipyrsec/dragonfly-mainframe/internal/store"
)

type queuePackageRequest struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Distributions []string `json:"distributions"`
}

type queuePackageResponse struct {
	ID uuid.UUID `json:"id"`
}

type batchQueueResponse struct {
	Queued int `json:"queued"`
}

type jobResponse struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Distributions []string `json:"distributions"`
	// Hash and Rules carry the ruleset snapshot bound to this job so a
	// worker can detect a mismatch without a second round trip.
	Hash  string   `json:"hash"`
	Rules []string `json:"rules"`
}

type submitRequest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Score        *int64   `json:"score"`
	InspectorURL *string  `json:"inspector_url"`
	Rules        []string `json:"rules,omitempty"`
	// RulesMatched is the older wire name for the matched-rule list;
	// accepted as an alias of rules.
	RulesMatched []string `json:"rules_matched,omitempty"`
	// Commit is accepted for wire compatibility with older workers;
	// the authoritative commit is the one stamped at dispatch.
	Commit string          `json:"commit,omitempty"`
	Files  json.RawMessage `json:"files,omitempty"`
}

// matchedRules returns the matched-rule list from whichever field the
// worker sent.
func (r *submitRequest) matchedRules() []string {
	if len(r.Rules) > 0 {
		return r.Rules
	}
	return r.RulesMatched
}

type failRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Reason  string `json:"reason"`
}

type reportRequest struct {
	Version               string  `json:"version"`
	Recipient             *string `json:"recipient"`
	InspectorURL          *string `json:"inspector_url"`
	AdditionalInformation *string `json:"additional_information"`
	UseEmail              bool    `json:"use_email"`
}

type rulesResponse struct {
	Commit string   `json:"hash"`
	Rules  []string `json:"rules"`
}

type rootResponse struct {
	Message      string `json:"message"`
	ServerCommit string `json:"server_commit"`
	RulesCommit  string `json:"rules_commit"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type lookupResponse struct {
	Scans      []apiScan `json:"scans"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// apiScan is the public projection of a scan row. Times are RFC 3339
// in UTC; absent stamps are null.
type apiScan struct {
	ScanID  uuid.UUID    `json:"scan_id"`
	Name    string       `json:"name"`
	Version string       `json:"version"`
	Status  store.Status `json:"status"`

	Score        *int64  `json:"score"`
	InspectorURL *string `json:"inspector_url"`
	CommitHash   *string `json:"commit_hash"`
	FailReason   *string `json:"fail_reason"`

	QueuedAt   time.Time  `json:"queued_at"`
	QueuedBy   string     `json:"queued_by"`
	PendingAt  *time.Time `json:"pending_at"`
	PendingBy  *string    `json:"pending_by"`
	FinishedAt *time.Time `json:"finished_at"`
	FinishedBy *string    `json:"finished_by"`
	ReportedAt *time.Time `json:"reported_at"`
	ReportedBy *string    `json:"reported_by"`

	Rules        []string `json:"rules"`
	DownloadURLs []string `json:"download_urls"`
}

func toAPIScan(s *store.Scan) apiScan {
	out := apiScan{
		ScanID:       s.ScanID,
		Name:         s.Name,
		Version:      s.Version,
		Status:       s.Status,
		Score:        s.Score,
		InspectorURL: s.InspectorURL,
		CommitHash:   s.CommitHash,
		FailReason:   s.FailReason,
		QueuedAt:     s.QueuedAt.UTC(),
		QueuedBy:     s.QueuedBy,
		PendingAt:    utcPtr(s.PendingAt),
		PendingBy:    s.PendingBy,
		FinishedAt:   utcPtr(s.FinishedAt),
		FinishedBy:   s.FinishedBy,
		ReportedAt:   utcPtr(s.ReportedAt),
		ReportedBy:   s.ReportedBy,
		Rules:        s.Rules,
		DownloadURLs: s.DownloadURLs,
	}
	if out.Rules == nil {
		out.Rules = []string{}
	}
	if out.DownloadURLs == nil {
		out.DownloadURLs = []string{}
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
