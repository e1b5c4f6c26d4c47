package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vipyrsec/dragonfly-mainframe/internal/metrics"
	"github.com/vipyrsec/dragonfly-mainframe/internal/report"
	"github.com/vipyrsec/dragonfly-mainframe/internal/store"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	resp := rootResponse{
		Message:      "Dragonfly Mainframe",
		ServerCommit: s.serverCommit,
	}
	if snap := s.rules.Current(); snap != nil {
		resp.RulesCommit = snap.Commit
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleGetJob hands the next claimable scan to the calling worker.
// A scan is claimable when it is queued, or pending with an expired
// lease; reclaim happens here, at claim time, not in a sweeper.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap := s.rules.Current()
	if snap == nil {
		metrics.JobRequests.WithLabelValues("no_ruleset").Inc()
		writeError(w, http.StatusServiceUnavailable, "Ruleset not loaded yet")
		return
	}

	now := s.now()
	cutoff := now.Add(-s.cfg.JobTimeout)
	claimed, err := s.store.ClaimNext(r.Context(), actorFromContext(r.Context()), now, cutoff, snap.Commit)
	if err != nil {
		metrics.JobRequests.WithLabelValues("error").Inc()
		s.writeStoreError(w, err)
		return
	}
	if claimed == nil {
		metrics.JobRequests.WithLabelValues("empty").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	metrics.JobRequests.WithLabelValues("dispatched").Inc()
	writeJSON(w, http.StatusOK, jobResponse{
		Name:          claimed.Name,
		Version:       claimed.Version,
		Distributions: claimed.DownloadURLs,
		Hash:          claimed.CommitHash,
		Rules:         snap.Rules,
	})
}

func (s *Server) handleQueuePackage(w http.ResponseWriter, r *http.Request) {
	var req queuePackageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request body")
		return
	}
	if !isValidPackageName(req.Name) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%q is not a valid package name", req.Name))
		return
	}
	if req.Version == "" {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}
	if len(req.Distributions) == 0 {
		writeError(w, http.StatusBadRequest, "At least one distribution URL is required")
		return
	}

	name := canonicalizePackageName(req.Name)
	id, err := s.store.InsertScan(r.Context(), name, req.Version, req.Distributions, actorFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, store.ErrDuplicateScan) {
			writeError(w, http.StatusConflict,
				fmt.Sprintf("Package %s@%s is already queued for scanning", name, req.Version))
			return
		}
		s.writeStoreError(w, err)
		return
	}

	metrics.PackagesIngested.Inc()
	writeJSON(w, http.StatusOK, queuePackageResponse{ID: id})
}

// handleBatchQueuePackage enqueues many packages best-effort: pairs
// that are already known are skipped, not errors.
func (s *Server) handleBatchQueuePackage(w http.ResponseWriter, r *http.Request) {
	var reqs []queuePackageRequest
	if err := decodeJSON(r, &reqs); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request body")
		return
	}

	actor := actorFromContext(r.Context())
	queued := 0
	for _, req := range reqs {
		if !isValidPackageName(req.Name) || req.Version == "" || len(req.Distributions) == 0 {
			continue
		}
		name := canonicalizePackageName(req.Name)
		_, err := s.store.InsertScan(r.Context(), name, req.Version, req.Distributions, actor)
		if errors.Is(err, store.ErrDuplicateScan) {
			continue
		}
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		metrics.PackagesIngested.Inc()
		queued++
	}

	writeJSON(w, http.StatusOK, batchQueueResponse{Queued: queued})
}

func (s *Server) handleSubmitResults(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request body")
		return
	}
	if !isValidPackageName(req.Name) || req.Version == "" {
		writeError(w, http.StatusBadRequest, "name and version are required")
		return
	}
	if req.Score == nil || *req.Score < 0 || req.InspectorURL == nil || *req.InspectorURL == "" {
		writeError(w, http.StatusBadRequest, "score and inspector_url are required, and score cannot be negative")
		return
	}

	scan, err := s.store.GetByNameVersion(r.Context(), canonicalizePackageName(req.Name), req.Version)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	res := store.SubmitResult{
		Score:        *req.Score,
		InspectorURL: *req.InspectorURL,
		Rules:        req.matchedRules(),
		Files:        req.Files,
	}
	if err := s.store.Submit(r.Context(), scan.ScanID, actorFromContext(r.Context()), s.now(), res); err != nil {
		s.writeStoreError(w, err)
		return
	}

	metrics.PackagesSuccess.Inc()
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleFailPackage(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request body")
		return
	}
	if !isValidPackageName(req.Name) || req.Version == "" {
		writeError(w, http.StatusBadRequest, "name and version are required")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	scan, err := s.store.GetByNameVersion(r.Context(), canonicalizePackageName(req.Name), req.Version)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if err := s.store.Fail(r.Context(), scan.ScanID, actorFromContext(r.Context()), s.now(), req.Reason); err != nil {
		s.writeStoreError(w, err)
		return
	}

	metrics.PackagesFail.Inc()
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleLookupPackage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.ListFilter{
		Version: q.Get("version"),
		Cursor:  q.Get("cursor"),
	}
	if name := q.Get("name"); name != "" {
		filter.Name = canonicalizePackageName(name)
	}
	if v := q.Get("status"); v != "" {
		status := store.Status(v)
		switch status {
		case store.StatusQueued, store.StatusPending, store.StatusFinished, store.StatusFailed:
			filter.Status = status
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%q is not a valid status", v))
			return
		}
	}
	if v := q.Get("since"); v != "" {
		epoch, err := strconv.ParseInt(v, 10, 64)
		if err != nil || epoch < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative unix timestamp")
			return
		}
		filter.Since = time.Unix(epoch, 0).UTC()
	}
	if v := q.Get("until"); v != "" {
		epoch, err := strconv.ParseInt(v, 10, 64)
		if err != nil || epoch < 0 {
			writeError(w, http.StatusBadRequest, "until must be a non-negative unix timestamp")
			return
		}
		filter.Until = time.Unix(epoch, 0).UTC()
	}
	if v := q.Get("reported_since"); v != "" {
		epoch, err := strconv.ParseInt(v, 10, 64)
		if err != nil || epoch < 0 {
			writeError(w, http.StatusBadRequest, "reported_since must be a non-negative unix timestamp")
			return
		}
		filter.ReportedSince = time.Unix(epoch, 0).UTC()
	}
	if v := q.Get("reported_until"); v != "" {
		epoch, err := strconv.ParseInt(v, 10, 64)
		if err != nil || epoch < 0 {
			writeError(w, http.StatusBadRequest, "reported_until must be a non-negative unix timestamp")
			return
		}
		filter.ReportedUntil = time.Unix(epoch, 0).UTC()
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	// A query must be anchored on a name or a time window, and a
	// version only makes sense against a single name.
	windowed := !filter.Since.IsZero() || !filter.ReportedSince.IsZero()
	if filter.Name == "" && !windowed {
		writeError(w, http.StatusBadRequest, "Provide name, since, or reported_since")
		return
	}
	if filter.Version != "" && windowed {
		writeError(w, http.StatusBadRequest, "version cannot be combined with a time window")
		return
	}
	if filter.Version != "" && filter.Name == "" {
		writeError(w, http.StatusBadRequest, "version requires name")
		return
	}

	scans, next, err := s.store.List(r.Context(), filter)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "Invalid cursor")
			return
		}
		s.writeStoreError(w, err)
		return
	}

	resp := lookupResponse{Scans: make([]apiScan, 0, len(scans)), NextCursor: next}
	for i := range scans {
		resp.Scans = append(resp.Scans, toAPIScan(&scans[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReportPackage reports a finished scan to the reporter service.
// The reported stamp is claimed first so concurrent reports collapse to
// one; a reporter failure rolls the stamp back.
func (s *Server) handleReportPackage(w http.ResponseWriter, r *http.Request) {
	name := canonicalizePackageName(chi.URLParam(r, "name"))

	var req reportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request body")
		return
	}
	if req.Version == "" {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}

	scans, err := s.store.ListByName(r.Context(), name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if len(scans) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("No scans found for package %q", name))
		return
	}

	var target *store.Scan
	for i := range scans {
		if scans[i].ReportedAt != nil {
			writeError(w, http.StatusConflict,
				fmt.Sprintf("Package %s@%s was already reported", name, scans[i].Version))
			return
		}
		if scans[i].Version == req.Version {
			target = &scans[i]
		}
	}
	if target == nil {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("No scan found for package %s@%s", name, req.Version))
		return
	}
	if target.Status != store.StatusFinished {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Scan for %s@%s has not finished", name, req.Version))
		return
	}

	inspectorURL := req.InspectorURL
	if inspectorURL == nil {
		inspectorURL = target.InspectorURL
	}
	if inspectorURL == nil || *inspectorURL == "" {
		writeError(w, http.StatusBadRequest,
			"inspector_url is required: none was supplied and the scan recorded none")
		return
	}
	if req.AdditionalInformation == nil && (len(target.Rules) == 0 || !req.UseEmail) {
		writeError(w, http.StatusBadRequest,
			"additional_information is required when no rules matched or when reporting an observation")
		return
	}

	ctx := r.Context()
	actor := actorFromContext(ctx)
	if err := s.store.MarkReported(ctx, target.ScanID, actor, s.now()); err != nil {
		s.writeStoreError(w, err)
		return
	}

	if req.UseEmail {
		email := report.Email{
			Name:         name,
			Version:      req.Version,
			RulesMatched: target.Rules,
			InspectorURL: *inspectorURL,
		}
		if req.Recipient != nil {
			email.Recipient = *req.Recipient
		}
		if req.AdditionalInformation != nil {
			email.AdditionalInformation = *req.AdditionalInformation
		}
		err = s.reporter.SendEmail(ctx, email)
	} else {
		obs := report.Observation{
			Kind:         report.ObservationKindMalware,
			Summary:      *req.AdditionalInformation,
			InspectorURL: *inspectorURL,
			Extra:        map[string]any{"yara_rules": target.Rules, "version": req.Version},
		}
		err = s.reporter.SendObservation(ctx, name, obs)
	}
	if err != nil {
		if clearErr := s.store.ClearReported(ctx, target.ScanID); clearErr != nil {
			// The stamp is stuck; the scan will look reported until an
			// operator intervenes. Log loudly rather than mask the
			// reporter error.
			log.Printf("Failed to roll back reported stamp for scan %s: %v", target.ScanID, clearErr)
		}
		writeError(w, http.StatusBadGateway, "Reporter rejected or failed to accept the report")
		return
	}

	metrics.PackagesReported.Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"detail": fmt.Sprintf("Package %s@%s reported", name, req.Version),
	})
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	snap := s.rules.Current()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "Ruleset not loaded yet")
		return
	}
	writeJSON(w, http.StatusOK, rulesResponse{Commit: snap.Commit, Rules: snap.Rules})
}

func (s *Server) handleUpdateRules(w http.ResponseWriter, r *http.Request) {
	snap, err := s.rules.Refresh(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to refresh ruleset")
		return
	}
	writeJSON(w, http.StatusOK, rulesResponse{Commit: snap.Commit, Rules: snap.Rules})
}

// writeStoreError maps store sentinels onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "Database busy, try again")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Scan not found")
	case errors.Is(err, store.ErrWrongState):
		writeError(w, http.StatusBadRequest, "Scan is not in a state that allows this operation")
	case errors.Is(err, store.ErrNotOwned):
		writeError(w, http.StatusBadRequest, "Scan lease is held by another worker")
	case errors.Is(err, store.ErrUnknownRule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrAlreadyReported):
		writeError(w, http.StatusConflict, "Scan was already reported")
	default:
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}
