// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestAuditRecordAndQuery(t *testing.T) {
	s := newTestStore(t)
	al := NewAuditLog(s)

	al.Record(Entry{
		ActorID:   strPtr("admin"),
		Action:    ActionLogin,
		IPAddress: "10.0.0.1",
		UserAgent: "test-agent",
		Success:   true,
		Details:   map[string]string{"auth_method": "totp"},
	})
	al.Record(Entry{
		Action:    ActionLoginFailed,
		IPAddress: "10.0.0.2",
		Success:   false,
		Details:   map[string]string{"reason": "invalid_password"},
	})
	al.Close()

	res, err := al.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	require.Len(t, res.Entries, 2)

	// Newest first.
	require.Equal(t, ActionLoginFailed, res.Entries[0].Action)
	require.Equal(t, ActionLogin, res.Entries[1].Action)

	e := res.Entries[1]
	require.NotEmpty(t, e.ID)
	require.NotNil(t, e.ActorID)
	require.Equal(t, "admin", *e.ActorID)
	require.Equal(t, "10.0.0.1", e.IPAddress)
	require.Equal(t, "test-agent", e.UserAgent)
	require.True(t, e.Success)
	require.Equal(t, "totp", e.Details["auth_method"])
	require.False(t, e.CreatedAt.IsZero())

	failed := res.Entries[0]
	require.Nil(t, failed.ActorID, "unauthenticated failures have no actor")
}

func TestAuditQueryFilters(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	al := NewAuditLog(s)
	for i := 0; i < 5; i++ {
		al.Record(Entry{
			ActorID:   strPtr("admin"),
			Action:    ActionDataAccess,
			Success:   true,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	al.Record(Entry{
		Action:    ActionLoginFailed,
		Success:   false,
		CreatedAt: base.Add(10 * time.Hour),
	})
	al.Close()

	ctx := context.Background()

	res, err := al.Query(ctx, Filter{Action: ActionDataAccess})
	require.NoError(t, err)
	require.Equal(t, 5, res.Total)

	res, err = al.Query(ctx, Filter{ActorID: "admin"})
	require.NoError(t, err)
	require.Equal(t, 5, res.Total)

	res, err = al.Query(ctx, Filter{Start: base.Add(2 * time.Hour), End: base.Add(4 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, 3, res.Total)

	// Pagination.
	res, err = al.Query(ctx, Filter{Action: ActionDataAccess, Limit: 2, Offset: 0})
	require.NoError(t, err)
	require.Equal(t, 5, res.Total)
	require.Len(t, res.Entries, 2)

	res, err = al.Query(ctx, Filter{Action: ActionDataAccess, Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
}

func TestAuditStatistics(t *testing.T) {
	s := newTestStore(t)

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	al := NewAuditLog(s, WithAuditClock(func() time.Time { return now }))

	// Inside the 7 day window.
	al.Record(Entry{Action: ActionLogin, Success: true, CreatedAt: now.AddDate(0, 0, -1)})
	al.Record(Entry{Action: ActionLogin, Success: true, CreatedAt: now.AddDate(0, 0, -2)})
	al.Record(Entry{Action: ActionLoginFailed, Success: false, CreatedAt: now.AddDate(0, 0, -3)})
	al.Record(Entry{Action: ActionDataAccess, Success: true, CreatedAt: now.AddDate(0, 0, -1)})

	// Outside the window; must not be counted.
	al.Record(Entry{Action: ActionLoginFailed, Success: false, CreatedAt: now.AddDate(0, 0, -30)})
	al.Close()

	stats, err := al.Statistics(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 4, stats.TotalLogs)
	require.Equal(t, 2, stats.SuccessfulLogins)
	require.Equal(t, 1, stats.FailedLogins)
	require.Equal(t, 1, stats.DataAccessCount)
	require.Len(t, stats.RecentFailedLogins, 1)
	require.Equal(t, ActionLoginFailed, stats.RecentFailedLogins[0].Action)
}

func TestAuditRecordNeverBlocks(t *testing.T) {
	s := newTestStore(t)
	al := NewAuditLog(s)
	defer al.Close()

	// Flooding well past the queue size must not block the caller; the
	// overflow is dropped with a diagnostic log line.
	done := make(chan struct{})
	go func() {
		for i := 0; i < auditQueueSize*4; i++ {
			al.Record(Entry{Action: ActionSecurityEvent, Success: true})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Record blocked under queue pressure")
	}
}
