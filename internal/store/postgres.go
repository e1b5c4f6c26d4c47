package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// ErrInvalidCursor means a pagination cursor could not be decoded.
var ErrInvalidCursor = errors.New("invalid pagination cursor")

const (
	defaultListLimit = 100
	maxListLimit     = 500

	pgUniqueViolation = "23505"
)

// Postgres implements Store on a PostgreSQL database.
type Postgres struct {
	db        *sqlx.DB
	opTimeout time.Duration
}

// Open connects to the database and configures the connection pool.
// persistentSize is the number of idle connections kept open, maxSize
// the hard cap. opTimeout bounds every store operation so that pool
// exhaustion surfaces instead of queueing indefinitely.
func Open(url string, persistentSize, maxSize int, opTimeout time.Duration) (*Postgres, error) {
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db.SetMaxIdleConns(persistentSize)
	db.SetMaxOpenConns(maxSize)
	return NewPostgres(db, opTimeout), nil
}

// NewPostgres wraps an existing database handle. Used by Open and by tests.
func NewPostgres(db *sqlx.DB, opTimeout time.Duration) *Postgres {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Postgres{db: db, opTimeout: opTimeout}
}

func (p *Postgres) DB() *sqlx.DB { return p.db }

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.opTimeout)
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *Postgres) InsertScan(ctx context.Context, name, version string, urls []string, actor string) (uuid.UUID, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	scanID := uuid.New()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin insert scan: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scans (scan_id, name, version, status, queued_at, queued_by)
		 VALUES ($1, $2, $3, 'queued', now(), $4)`,
		scanID, name, version, actor,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, ErrDuplicateScan
		}
		return uuid.Nil, fmt.Errorf("insert scan: %w", err)
	}

	for _, url := range urls {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO download_urls (id, scan_id, url) VALUES ($1, $2, $3)`,
			uuid.New(), scanID, url,
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("insert download url: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("commit insert scan: %w", err)
	}
	return scanID, nil
}

// claimQuery selects the next claimable scan: queued rows first in
// queue order, then lease-expired pending rows oldest first. SKIP
// LOCKED keeps concurrent dispatchers from blocking on the same
// candidate; each takes a distinct row or none.
const claimQuery = `
SELECT scan_id, name, version
FROM scans
WHERE status = 'queued' OR (status = 'pending' AND pending_at < $1)
ORDER BY status = 'pending',
         CASE WHEN status = 'queued' THEN queued_at ELSE pending_at END,
         scan_id
LIMIT 1
FOR UPDATE SKIP LOCKED`

func (p *Postgres) ClaimNext(ctx context.Context, actor string, now, cutoff time.Time, commitHash string) (*ClaimedScan, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	claimed := &ClaimedScan{CommitHash: commitHash}
	err = tx.QueryRowxContext(ctx, claimQuery, cutoff).Scan(&claimed.ScanID, &claimed.Name, &claimed.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable scan: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE scans SET status = 'pending', pending_at = $1, pending_by = $2, commit_hash = $3
		 WHERE scan_id = $4`,
		now, actor, commitHash, claimed.ScanID,
	)
	if err != nil {
		return nil, fmt.Errorf("stamp pending: %w", err)
	}

	err = tx.SelectContext(ctx, &claimed.DownloadURLs,
		`SELECT url FROM download_urls WHERE scan_id = $1 ORDER BY url`, claimed.ScanID)
	if err != nil {
		return nil, fmt.Errorf("load download urls: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

type scanHead struct {
	Status    Status         `db:"status"`
	PendingBy sql.NullString `db:"pending_by"`
}

// lockScanHead loads status and leaseholder under a row lock so a
// transition cannot race a concurrent claim or submit.
func lockScanHead(ctx context.Context, tx *sqlx.Tx, scanID uuid.UUID, actor string) error {
	var head scanHead
	err := tx.GetContext(ctx, &head,
		`SELECT status, pending_by FROM scans WHERE scan_id = $1 FOR UPDATE`, scanID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock scan: %w", err)
	}
	if head.Status != StatusPending {
		return ErrWrongState
	}
	if !head.PendingBy.Valid || head.PendingBy.String != actor {
		return ErrNotOwned
	}
	return nil
}

func (p *Postgres) Submit(ctx context.Context, scanID uuid.UUID, actor string, now time.Time, res SubmitResult) error {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin submit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := lockScanHead(ctx, tx, scanID, actor); err != nil {
		return err
	}

	ruleIDs, err := resolveRuleIDs(ctx, tx, res.Rules)
	if err != nil {
		return err
	}

	var files any
	if len(res.Files) > 0 {
		files = []byte(res.Files)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE scans
		 SET status = 'finished', finished_at = $1, finished_by = $2,
		     score = $3, inspector_url = $4, files = $5
		 WHERE scan_id = $6`,
		now, actor, res.Score, res.InspectorURL, files, scanID,
	)
	if err != nil {
		return fmt.Errorf("stamp finished: %w", err)
	}

	for _, ruleID := range ruleIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO package_rules (scan_id, rule_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			scanID, ruleID,
		)
		if err != nil {
			return fmt.Errorf("link rule: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit submit: %w", err)
	}
	return nil
}

// resolveRuleIDs maps matched rule names to rule ids. A name missing
// from the rules table means the worker ran an out-of-date ruleset;
// the whole submit is rejected and the scan stays pending.
func resolveRuleIDs(ctx context.Context, tx *sqlx.Tx, names []string) ([]uuid.UUID, error) {
	unique := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		unique = append(unique, name)
	}
	if len(unique) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT id, name FROM rules WHERE name IN (?)`, unique)
	if err != nil {
		return nil, fmt.Errorf("build rule lookup: %w", err)
	}
	query = tx.Rebind(query)

	rows, err := tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup rules: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0, len(unique))
	for rows.Next() {
		var id uuid.UUID
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		delete(seen, name)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	if len(seen) > 0 {
		for name := range seen {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRule, name)
		}
	}
	return ids, nil
}

func (p *Postgres) Fail(ctx context.Context, scanID uuid.UUID, actor string, now time.Time, reason string) error {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := lockScanHead(ctx, tx, scanID, actor); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE scans SET status = 'failed', finished_at = $1, finished_by = $2, fail_reason = $3
		 WHERE scan_id = $4`,
		now, actor, reason, scanID,
	)
	if err != nil {
		return fmt.Errorf("stamp failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail: %w", err)
	}
	return nil
}

func (p *Postgres) MarkReported(ctx context.Context, scanID uuid.UUID, actor string, now time.Time) error {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	res, err := p.db.ExecContext(ctx,
		`UPDATE scans SET reported_at = $1, reported_by = $2
		 WHERE scan_id = $3 AND status = 'finished' AND reported_at IS NULL`,
		now, actor, scanID,
	)
	if err != nil {
		return fmt.Errorf("mark reported: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark reported rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// The CAS missed; figure out why.
	var head struct {
		Status     Status       `db:"status"`
		ReportedAt sql.NullTime `db:"reported_at"`
	}
	err = p.db.GetContext(ctx, &head,
		`SELECT status, reported_at FROM scans WHERE scan_id = $1`, scanID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect scan: %w", err)
	}
	if head.ReportedAt.Valid {
		return ErrAlreadyReported
	}
	return ErrWrongState
}

func (p *Postgres) ClearReported(ctx context.Context, scanID uuid.UUID) error {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	_, err := p.db.ExecContext(ctx,
		`UPDATE scans SET reported_at = NULL, reported_by = NULL WHERE scan_id = $1`, scanID)
	if err != nil {
		return fmt.Errorf("clear reported: %w", err)
	}
	return nil
}

const scanColumns = `scan_id, name, version, status, score, inspector_url, commit_hash,
	fail_reason, files, queued_at, queued_by, pending_at, pending_by,
	finished_at, finished_by, reported_at, reported_by`

func (p *Postgres) GetByNameVersion(ctx context.Context, name, version string) (*Scan, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var scan Scan
	err := p.db.GetContext(ctx, &scan,
		`SELECT `+scanColumns+` FROM scans WHERE name = $1 AND version = $2`, name, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	if err := p.loadAssociations(ctx, []*Scan{&scan}); err != nil {
		return nil, err
	}
	return &scan, nil
}

func (p *Postgres) ListByName(ctx context.Context, name string) ([]Scan, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var scans []Scan
	err := p.db.SelectContext(ctx, &scans,
		`SELECT `+scanColumns+` FROM scans WHERE name = $1 ORDER BY queued_at DESC, scan_id DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("list scans by name: %w", err)
	}
	if err := p.loadAssociationsSlice(ctx, scans); err != nil {
		return nil, err
	}
	return scans, nil
}

func (p *Postgres) List(ctx context.Context, filter ListFilter) ([]Scan, string, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Name != "" {
		conds = append(conds, "name = "+arg(filter.Name))
	}
	if filter.Version != "" {
		conds = append(conds, "version = "+arg(filter.Version))
	}
	if filter.Status != "" {
		conds = append(conds, "status = "+arg(filter.Status))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "finished_at >= "+arg(filter.Since))
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "finished_at < "+arg(filter.Until))
	}
	if !filter.ReportedSince.IsZero() {
		conds = append(conds, "reported_at >= "+arg(filter.ReportedSince))
	}
	if !filter.ReportedUntil.IsZero() {
		conds = append(conds, "reported_at < "+arg(filter.ReportedUntil))
	}

	// Queue introspection reads oldest-first; finished listings read
	// most recently finished first; everything else follows intake
	// order, newest first.
	sortCol, ascending := "queued_at", false
	switch {
	case filter.Status == StatusQueued || filter.Status == StatusPending:
		sortCol, ascending = "queued_at", true
	case filter.Status == StatusFinished || !filter.Since.IsZero() || !filter.Until.IsZero() ||
		!filter.ReportedSince.IsZero() || !filter.ReportedUntil.IsZero():
		sortCol, ascending = "finished_at", false
		conds = append(conds, "finished_at IS NOT NULL")
	}

	if filter.Cursor != "" {
		curTime, curID, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		op := "<"
		if ascending {
			op = ">"
		}
		conds = append(conds, fmt.Sprintf("(%s, scan_id) %s (%s, %s)", sortCol, op, arg(curTime), arg(curID)))
	}

	query := `SELECT ` + scanColumns + ` FROM scans`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	dir := "DESC"
	if ascending {
		dir = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, scan_id %s LIMIT %d", sortCol, dir, dir, limit+1)

	var scans []Scan
	if err := p.db.SelectContext(ctx, &scans, query, args...); err != nil {
		return nil, "", fmt.Errorf("list scans: %w", err)
	}

	var next string
	if len(scans) > limit {
		scans = scans[:limit]
		last := scans[len(scans)-1]
		sortTime := last.QueuedAt
		if sortCol == "finished_at" && last.FinishedAt != nil {
			sortTime = *last.FinishedAt
		}
		next = encodeCursor(sortTime, last.ScanID)
	}

	if err := p.loadAssociationsSlice(ctx, scans); err != nil {
		return nil, "", err
	}
	return scans, next, nil
}

func (p *Postgres) loadAssociationsSlice(ctx context.Context, scans []Scan) error {
	ptrs := make([]*Scan, len(scans))
	for i := range scans {
		ptrs[i] = &scans[i]
	}
	return p.loadAssociations(ctx, ptrs)
}

func (p *Postgres) loadAssociations(ctx context.Context, scans []*Scan) error {
	if len(scans) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Scan, len(scans))
	ids := make([]uuid.UUID, 0, len(scans))
	for _, scan := range scans {
		scan.Rules = []string{}
		scan.DownloadURLs = []string{}
		byID[scan.ScanID] = scan
		ids = append(ids, scan.ScanID)
	}

	query, args, err := sqlx.In(
		`SELECT pr.scan_id, r.name FROM package_rules pr JOIN rules r ON r.id = pr.rule_id
		 WHERE pr.scan_id IN (?) ORDER BY r.name`, ids)
	if err != nil {
		return fmt.Errorf("build rule join: %w", err)
	}
	rows, err := p.db.QueryxContext(ctx, p.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("load scan rules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var scanID uuid.UUID
		var name string
		if err := rows.Scan(&scanID, &name); err != nil {
			return fmt.Errorf("scan rule join row: %w", err)
		}
		if scan, ok := byID[scanID]; ok {
			scan.Rules = append(scan.Rules, name)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rule join: %w", err)
	}

	query, args, err = sqlx.In(
		`SELECT scan_id, url FROM download_urls WHERE scan_id IN (?) ORDER BY url`, ids)
	if err != nil {
		return fmt.Errorf("build url query: %w", err)
	}
	urlRows, err := p.db.QueryxContext(ctx, p.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("load download urls: %w", err)
	}
	defer urlRows.Close()
	for urlRows.Next() {
		var scanID uuid.UUID
		var url string
		if err := urlRows.Scan(&scanID, &url); err != nil {
			return fmt.Errorf("scan url row: %w", err)
		}
		if scan, ok := byID[scanID]; ok {
			scan.DownloadURLs = append(scan.DownloadURLs, url)
		}
	}
	if err := urlRows.Err(); err != nil {
		return fmt.Errorf("iterate urls: %w", err)
	}
	return nil
}

func (p *Postgres) SyncRules(ctx context.Context, names []string) error {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rule sync: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, name := range names {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rules (id, name) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			uuid.New(), name,
		)
		if err != nil {
			return fmt.Errorf("insert rule %s: %w", name, err)
		}
	}

	// Drop rules that left the ruleset, unless a finished scan still
	// references them; those stay as historical records.
	if len(names) > 0 {
		query, args, err := sqlx.In(
			`DELETE FROM rules WHERE name NOT IN (?) AND id NOT IN (SELECT rule_id FROM package_rules)`, names)
		if err != nil {
			return fmt.Errorf("build rule prune: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("prune rules: %w", err)
		}
	} else {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM rules WHERE id NOT IN (SELECT rule_id FROM package_rules)`)
		if err != nil {
			return fmt.Errorf("prune rules: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rule sync: %w", err)
	}
	return nil
}

func (p *Postgres) CountByStatus(ctx context.Context, status Status) (int64, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var count int64
	err := p.db.GetContext(ctx, &count, `SELECT count(*) FROM scans WHERE status = $1`, status)
	if err != nil {
		return 0, fmt.Errorf("count scans: %w", err)
	}
	return count, nil
}

func (p *Postgres) OldestQueuedAge(ctx context.Context) (time.Duration, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var queuedAt sql.NullTime
	err := p.db.GetContext(ctx, &queuedAt,
		`SELECT min(queued_at) FROM scans WHERE status = 'queued'`)
	if err != nil {
		return 0, fmt.Errorf("oldest queued: %w", err)
	}
	if !queuedAt.Valid {
		return 0, nil
	}
	return time.Since(queuedAt.Time), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func encodeCursor(t time.Time, id uuid.UUID) string {
	raw := strconv.FormatInt(t.UnixMicro(), 10) + ":" + id.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	micros, idStr, ok := strings.Cut(string(raw), ":")
	if !ok {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	unixMicro, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	return time.UnixMicro(unixMicro).UTC(), id, nil
}
