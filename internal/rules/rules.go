// Package rules maintains the in-memory ruleset snapshot negotiated
// between the coordinator and its workers. The snapshot pairs the
// rules repository's HEAD commit with the set of rule names; dispatch
// stamps the commit onto every claimed scan.
package rules

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Snapshot is one consistent view of the ruleset.
type Snapshot struct {
	Commit string
	Rules  []string
}

// Fetcher retrieves the authoritative ruleset from the rules repository.
type Fetcher interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

// Syncer reconciles the persisted rules table with a snapshot.
type Syncer interface {
	SyncRules(ctx context.Context, names []string) error
}

// Provider owns the current snapshot. Reads are lock-free; Refresh
// swaps the whole snapshot atomically. A failed refresh leaves the
// previous snapshot serving.
type Provider struct {
	fetcher  Fetcher
	syncer   Syncer
	snapshot atomic.Pointer[Snapshot]
	cron     *cron.Cron
}

func NewProvider(fetcher Fetcher, syncer Syncer) *Provider {
	return &Provider{fetcher: fetcher, syncer: syncer}
}

// Current returns the active snapshot, or nil before the first
// successful refresh.
func (p *Provider) Current() *Snapshot {
	return p.snapshot.Load()
}

// Refresh pulls the ruleset, reconciles the rules table, and swaps
// the snapshot in.
func (p *Provider) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := p.fetcher.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch ruleset: %w", err)
	}
	sort.Strings(snap.Rules)

	if err := p.syncer.SyncRules(ctx, snap.Rules); err != nil {
		return nil, fmt.Errorf("reconcile rules table: %w", err)
	}

	p.snapshot.Store(snap)
	return snap, nil
}

// StartSchedule refreshes the ruleset on the given cron expression.
func (p *Provider) StartSchedule(spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		snap, err := p.Refresh(ctx)
		if err != nil {
			log.Printf("Scheduled ruleset refresh failed, keeping previous snapshot: %v", err)
			return
		}
		log.Printf("Ruleset refreshed: commit %s, %d rules", snap.Commit, len(snap.Rules))
	})
	if err != nil {
		return fmt.Errorf("schedule ruleset refresh: %w", err)
	}
	c.Start()
	p.cron = c
	return nil
}

func (p *Provider) Stop() {
	if p.cron != nil {
		ctx := p.cron.Stop()
		<-ctx.Done()
	}
}
