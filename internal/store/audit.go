// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements NIST 800-53 AU-2/AU-3: Audit Events and Content
// of Audit Records. Entries are append-only; nothing in normal operation
// updates or deletes them. Writes are handed to a single background
// drain goroutine so the request path never blocks on audit I/O, and an
// audit failure never aborts the operation it describes.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// ACTIONS AND ENTRIES
// =============================================================================

// Action identifies the kind of event an audit entry records.
type Action string

const (
	ActionLogin         Action = "login"
	ActionLoginFailed   Action = "login_failed"
	ActionLogout        Action = "logout"
	ActionDataAccess    Action = "data_access"
	ActionDataModify    Action = "data_modify"
	ActionDataDelete    Action = "data_delete"
	ActionUserAccess    Action = "user_access"
	ActionExportData    Action = "export_data"
	ActionConfigChange  Action = "config_change"
	ActionSecurityEvent Action = "security_event"
)

// Entry is one immutable audit record. ActorID is nil for
// unauthenticated failed attempts, which have no actor.
type Entry struct {
	ID        string            `json:"id"`
	ActorID   *string           `json:"actorId,omitempty"`
	Action    Action            `json:"action"`
	Resource  *string           `json:"resource,omitempty"`
	IPAddress string            `json:"ipAddress"`
	UserAgent string            `json:"userAgent"`
	Success   bool              `json:"success"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// entryRow is the database projection of an Entry.
type entryRow struct {
	ID        string    `db:"id"`
	ActorID   *string   `db:"actor_id"`
	Action    string    `db:"action"`
	Resource  *string   `db:"resource"`
	IPAddress string    `db:"ip_address"`
	UserAgent string    `db:"user_agent"`
	Success   bool      `db:"success"`
	Details   string    `db:"details"`
	CreatedAt time.Time `db:"created_at"`
}

func (r entryRow) toEntry() Entry {
	e := Entry{
		ID:        r.ID,
		ActorID:   r.ActorID,
		Action:    Action(r.Action),
		Resource:  r.Resource,
		IPAddress: r.IPAddress,
		UserAgent: r.UserAgent,
		Success:   r.Success,
		CreatedAt: r.CreatedAt,
	}
	if r.Details != "" && r.Details != "{}" {
		// A corrupt details payload degrades to an empty map rather than
		// failing the whole query.
		_ = json.Unmarshal([]byte(r.Details), &e.Details)
	}
	return e
}

// =============================================================================
// AUDIT LOG
// =============================================================================

const (
	// auditQueueSize bounds the number of pending writes. When the queue
	// is full, entries are dropped with a diagnostic log line rather than
	// blocking the request path.
	auditQueueSize = 256

	// auditWriteTimeout caps each background insert.
	auditWriteTimeout = 5 * time.Second
)

// AuditLog is the append-only event store. Record is fire-and-forget;
// Query and Statistics read synchronously.
type AuditLog struct {
	db *sqlx.DB

	queue     chan Entry
	done      chan struct{}
	closeOnce sync.Once

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// AuditLogOption is a functional option for AuditLog.
type AuditLogOption func(*AuditLog)

// WithAuditClock sets the time source for created_at stamps.
func WithAuditClock(now func() time.Time) AuditLogOption {
	return func(a *AuditLog) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuditLog creates an AuditLog on the shared database and starts its
// drain goroutine. Callers must Close it to flush pending writes.
func NewAuditLog(s *Store, opts ...AuditLogOption) *AuditLog {
	a := &AuditLog{
		db:    s.db,
		queue: make(chan Entry, auditQueueSize),
		done:  make(chan struct{}),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	go a.drain()

	return a
}

// Record enqueues an entry for persistence. It never blocks and never
// returns an error: audit failures are logged server-side only and must
// not disturb the operation being described. Missing ID and CreatedAt
// fields are filled in here.
func (a *AuditLog) Record(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = a.now().UTC()
	}

	select {
	case a.queue <- e:
	default:
		log.Printf("AUDIT_DROPPED | action=%s reason=queue_full", e.Action)
	}
}

// drain persists queued entries until the queue is closed.
func (a *AuditLog) drain() {
	defer close(a.done)

	for e := range a.queue {
		if err := a.insert(e); err != nil {
			log.Printf("AUDIT_WRITE_FAILED | action=%s error=%v", e.Action, err)
		}
	}
}

func (a *AuditLog) insert(e Entry) error {
	details := "{}"
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("audit: encoding details: %w", err)
		}
		details = string(raw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	_, err := a.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor_id, action, resource, ip_address, user_agent, success, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActorID, string(e.Action), e.Resource, e.IPAddress, e.UserAgent, e.Success, details, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: inserting entry: %w", err)
	}
	return nil
}

// Close stops accepting entries and blocks until pending writes flush.
func (a *AuditLog) Close() {
	a.closeOnce.Do(func() {
		close(a.queue)
	})
	<-a.done
}

// =============================================================================
// QUERIES
// =============================================================================

// Filter narrows an audit query. Zero-valued fields are ignored.
type Filter struct {
	ActorID string
	Action  Action
	Start   time.Time
	End     time.Time
	Limit   int
	Offset  int
}

// QueryResult is a page of entries plus the total match count.
type QueryResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
}

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// Query returns matching entries ordered newest-first.
func (a *AuditLog) Query(ctx context.Context, f Filter) (QueryResult, error) {
	var conds []string
	var args []interface{}

	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, string(f.Action))
	}
	if !f.Start.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Start.UTC())
	}
	if !f.End.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.End.UTC())
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := a.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM audit_log"+where, args...); err != nil {
		return QueryResult{}, fmt.Errorf("audit: counting entries: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var rows []entryRow
	query := "SELECT id, actor_id, action, resource, ip_address, user_agent, success, details, created_at FROM audit_log" +
		where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	if err := a.db.SelectContext(ctx, &rows, query, append(args, limit, offset)...); err != nil {
		return QueryResult{}, fmt.Errorf("audit: querying entries: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toEntry())
	}

	return QueryResult{Entries: entries, Total: total}, nil
}

// Statistics are aggregate counts over a trailing window.
type Statistics struct {
	TotalLogs          int     `json:"totalLogs"`
	SuccessfulLogins   int     `json:"successfulLogins"`
	FailedLogins       int     `json:"failedLogins"`
	DataAccessCount    int     `json:"dataAccessCount"`
	RecentFailedLogins []Entry `json:"recentFailedLogins"`
}

// Statistics computes aggregates over the trailing windowDays days,
// including the ten most recent failed logins.
func (a *AuditLog) Statistics(ctx context.Context, windowDays int) (Statistics, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := a.now().UTC().AddDate(0, 0, -windowDays)

	var stats Statistics

	counts := []struct {
		dest  *int
		query string
		args  []interface{}
	}{
		{&stats.TotalLogs, "SELECT COUNT(*) FROM audit_log WHERE created_at >= ?", []interface{}{since}},
		{&stats.SuccessfulLogins, "SELECT COUNT(*) FROM audit_log WHERE created_at >= ? AND action = ? AND success = 1", []interface{}{since, string(ActionLogin)}},
		{&stats.FailedLogins, "SELECT COUNT(*) FROM audit_log WHERE created_at >= ? AND action = ?", []interface{}{since, string(ActionLoginFailed)}},
		{&stats.DataAccessCount, "SELECT COUNT(*) FROM audit_log WHERE created_at >= ? AND action = ?", []interface{}{since, string(ActionDataAccess)}},
	}
	for _, c := range counts {
		if err := a.db.GetContext(ctx, c.dest, c.query, c.args...); err != nil {
			return Statistics{}, fmt.Errorf("audit: computing statistics: %w", err)
		}
	}

	var rows []entryRow
	if err := a.db.SelectContext(ctx, &rows,
		`SELECT id, actor_id, action, resource, ip_address, user_agent, success, details, created_at
		 FROM audit_log WHERE created_at >= ? AND action = ?
		 ORDER BY created_at DESC, id DESC LIMIT 10`,
		since, string(ActionLoginFailed),
	); err != nil {
		return Statistics{}, fmt.Errorf("audit: loading recent failures: %w", err)
	}

	stats.RecentFailedLogins = make([]Entry, 0, len(rows))
	for _, r := range rows {
		stats.RecentFailedLogins = append(stats.RecentFailedLogins, r.toEntry())
	}

	return stats, nil
}
