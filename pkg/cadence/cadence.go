// Package cadence decides when the producer should run incremental or full
// synchronization passes.
//
// The coordinator is a small state machine over the last-completed
// timestamps of each cadence plus two externally-set force flags. It never
// touches the graph itself: callers feed it the clock and consume its
// decisions, and they clear force flags after acting on them - a force
// flag survives until explicitly cleared so a failed pass can retry.
//
// Example Usage:
//
//	coord := cadence.NewCoordinator(cadence.Config{
//		IncrementalInterval: 2 * time.Hour,
//		FullInterval:        168 * time.Hour,
//		EnableFullSync:      true,
//	})
//
//	switch coord.Next() {
//	case cadence.FullDue, cadence.ForcedFull:
//		runFullSync()
//		coord.RecordCompleted(cadence.SyncFull)
//	case cadence.IncrementalDue, cadence.ForcedIncremental:
//		runIncrementalSync()
//		coord.RecordCompleted(cadence.SyncIncremental)
//	}
package cadence

import (
	"fmt"
	"sync"
	"time"
)

// SyncKind names a synchronization cadence.
type SyncKind string

const (
	SyncIncremental SyncKind = "incremental"
	SyncFull        SyncKind = "full"
)

// Decision is the coordinator's answer to "what sync is needed right now".
type Decision string

const (
	Idle              Decision = "idle"
	IncrementalDue    Decision = "incremental_due"
	FullDue           Decision = "full_due"
	ForcedIncremental Decision = "forced_incremental"
	ForcedFull        Decision = "forced_full"
)

// Config holds the sync intervals and the full-sync switch.
type Config struct {
	IncrementalInterval time.Duration
	FullInterval        time.Duration
	EnableFullSync      bool
}

// Status is the JSON-shaped sync status report. Timestamp fields are
// pointers so a never-synced cadence renders as null rather than 1970.
type Status struct {
	LastIncrementalSync    *int64  `json:"last_incremental_sync"`
	LastIncrementalSyncISO *string `json:"last_incremental_sync_iso"`
	HoursSinceIncremental  float64 `json:"hours_since_incremental"`
	IncrementalSyncNeeded  bool    `json:"incremental_sync_needed"`

	LastFullSync       *int64  `json:"last_full_sync"`
	LastFullSyncISO    *string `json:"last_full_sync_iso"`
	HoursSinceFull     float64 `json:"hours_since_full"`
	TrueFullSyncNeeded bool    `json:"true_full_sync_needed"`

	ForceIncrementalSync bool `json:"force_incremental_sync"`
	ForceFullSync        bool `json:"force_full_sync"`

	SyncConfig StatusConfig `json:"sync_config"`

	NodeCount int `json:"node_count"`
	EdgeCount int `json:"edge_count"`
}

// StatusConfig echoes the configured cadence back to the producer.
type StatusConfig struct {
	IncrementalIntervalHours float64 `json:"incremental_interval_hours"`
	FullIntervalHours        float64 `json:"full_interval_hours"`
	EnableFullSync           bool    `json:"enable_full_sync"`
}

// Coordinator tracks sync cadence state. Safe for concurrent use.
type Coordinator struct {
	mu  sync.Mutex
	cfg Config

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time

	lastIncremental time.Time
	lastFull        time.Time

	forceIncremental bool
	forceFull        bool
}

// NewCoordinator creates a coordinator with a real clock.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg, now: time.Now}
}

// NewCoordinatorWithClock creates a coordinator with an injected clock.
func NewCoordinatorWithClock(cfg Config, now func() time.Time) *Coordinator {
	return &Coordinator{cfg: cfg, now: now}
}

// SetForce raises a force flag. Force flags are set externally (CLI
// override) and survive until ClearForce - completing a pass does not
// clear them, so the caller can retry a failed forced pass.
func (c *Coordinator) SetForce(kind SyncKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case SyncIncremental:
		c.forceIncremental = true
	case SyncFull:
		c.forceFull = true
	default:
		return fmt.Errorf("set force: unknown sync kind %q", kind)
	}
	return nil
}

// ClearForce lowers a force flag after a successful forced pass.
func (c *Coordinator) ClearForce(kind SyncKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case SyncIncremental:
		c.forceIncremental = false
	case SyncFull:
		c.forceFull = false
	default:
		return fmt.Errorf("clear force: unknown sync kind %q", kind)
	}
	return nil
}

// Next evaluates what sync is needed, in priority order:
// forced full, then forced incremental, then a due full sync (only when
// full sync is enabled - a due full sync with the feature disabled
// degrades to an incremental), then a due incremental, then idle.
// A cadence that has never completed counts as due.
func (c *Coordinator) Next() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.forceFull:
		return ForcedFull
	case c.forceIncremental:
		return ForcedIncremental
	}

	now := c.now()
	fullDue := c.dueLocked(now, c.lastFull, c.cfg.FullInterval)
	incrementalDue := c.dueLocked(now, c.lastIncremental, c.cfg.IncrementalInterval)

	switch {
	case fullDue && c.cfg.EnableFullSync:
		return FullDue
	case incrementalDue || fullDue:
		return IncrementalDue
	}
	return Idle
}

// RecordCompleted stamps a finished pass. Completing a full sync also
// satisfies the incremental requirement for that cycle, so both
// timestamps are updated; completing an incremental leaves the full
// cadence untouched.
func (c *Coordinator) RecordCompleted(kind SyncKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	switch kind {
	case SyncIncremental:
		c.lastIncremental = now
	case SyncFull:
		c.lastFull = now
		c.lastIncremental = now
	default:
		return fmt.Errorf("record completed: unknown sync kind %q", kind)
	}
	return nil
}

// Status reports the full sync state plus the graph counts supplied by the
// caller at query time.
func (c *Coordinator) Status(nodeCount, edgeCount int) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := Status{
		HoursSinceIncremental: hoursSince(now, c.lastIncremental),
		HoursSinceFull:        hoursSince(now, c.lastFull),
		IncrementalSyncNeeded: c.forceIncremental || c.forceFull ||
			c.dueLocked(now, c.lastIncremental, c.cfg.IncrementalInterval),
		TrueFullSyncNeeded: c.forceFull ||
			c.dueLocked(now, c.lastFull, c.cfg.FullInterval),
		ForceIncrementalSync: c.forceIncremental,
		ForceFullSync:        c.forceFull,
		SyncConfig: StatusConfig{
			IncrementalIntervalHours: c.cfg.IncrementalInterval.Hours(),
			FullIntervalHours:        c.cfg.FullInterval.Hours(),
			EnableFullSync:           c.cfg.EnableFullSync,
		},
		NodeCount: nodeCount,
		EdgeCount: edgeCount,
	}

	if !c.lastIncremental.IsZero() {
		ms := c.lastIncremental.UnixMilli()
		iso := c.lastIncremental.UTC().Format(time.RFC3339)
		status.LastIncrementalSync = &ms
		status.LastIncrementalSyncISO = &iso
	}
	if !c.lastFull.IsZero() {
		ms := c.lastFull.UnixMilli()
		iso := c.lastFull.UTC().Format(time.RFC3339)
		status.LastFullSync = &ms
		status.LastFullSyncISO = &iso
	}
	return status
}

// dueLocked: a zero timestamp (never synced) is always due.
func (c *Coordinator) dueLocked(now, last time.Time, interval time.Duration) bool {
	if last.IsZero() {
		return true
	}
	if interval <= 0 {
		return false
	}
	return now.Sub(last) >= interval
}

// hoursSince returns elapsed hours, or -1 when the cadence never ran.
func hoursSince(now, last time.Time) float64 {
	if last.IsZero() {
		return -1
	}
	return now.Sub(last).Hours()
}
