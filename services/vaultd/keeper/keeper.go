// Package keeper runs the vault's periodic maintenance on cron schedules.
package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"xusd/observability"
	"xusd/services/vaultd/config"
)

const (
	JobRebase   = "rebase"
	JobAllocate = "allocate"
	JobHarvest  = "harvest"
)

// Vault is the subset of the engine driven by the keeper.
type Vault interface {
	Rebase(ctx context.Context) error
	Allocate(ctx context.Context) error
	HarvestAndSwap(ctx context.Context, caller common.Address) error
}

// Executor serialises a job with other state mutations, typically
// runtime.Runtime.Do.
type Executor func(ctx context.Context, fn func(ctx context.Context) error) error

// Keeper owns the cron scheduler and the registered jobs.
type Keeper struct {
	cron     *cron.Cron
	vault    Vault
	identity common.Address
	exec     Executor
	logger   *slog.Logger
	metrics  *observability.KeeperMetrics
	timeout  time.Duration

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]cron.EntryID
}

// New creates a keeper acting as identity. A nil exec runs jobs directly.
func New(vault Vault, identity common.Address, exec Executor, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	if exec == nil {
		exec = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Keeper{
		cron:     cron.New(cron.WithSeconds()),
		vault:    vault,
		identity: identity,
		exec:     exec,
		logger:   logger,
		metrics:  observability.Keeper(),
		timeout:  time.Minute,
		ctx:      context.Background(),
		jobs:     make(map[string]cron.EntryID),
	}
}

// Register schedules every job with a non-empty spec.
func (k *Keeper) Register(schedules config.KeeperConfig) error {
	for _, job := range []struct {
		name string
		spec string
	}{
		{JobRebase, schedules.Rebase},
		{JobAllocate, schedules.Allocate},
		{JobHarvest, schedules.Harvest},
	} {
		if job.spec == "" {
			continue
		}
		name := job.name
		id, err := k.cron.AddFunc(job.spec, func() {
			k.mu.Lock()
			ctx := k.ctx
			k.mu.Unlock()
			_ = k.RunJob(ctx, name)
		})
		if err != nil {
			return fmt.Errorf("register %s job: %w", name, err)
		}
		k.mu.Lock()
		k.jobs[name] = id
		k.mu.Unlock()
	}
	return nil
}

// Jobs lists the registered job names.
func (k *Keeper) Jobs() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.jobs))
	for name := range k.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Next reports the next scheduled run of job.
func (k *Keeper) Next(job string) (time.Time, bool) {
	k.mu.Lock()
	id, ok := k.jobs[job]
	k.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return k.cron.Entry(id).Next, true
}

// RunJob executes job immediately.
func (k *Keeper) RunJob(ctx context.Context, job string) error {
	var fn func(ctx context.Context) error
	switch job {
	case JobRebase:
		fn = k.vault.Rebase
	case JobAllocate:
		fn = k.vault.Allocate
	case JobHarvest:
		fn = func(ctx context.Context) error { return k.vault.HarvestAndSwap(ctx, k.identity) }
	default:
		return fmt.Errorf("keeper: unknown job %q", job)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	started := time.Now()
	err := k.exec(ctx, fn)
	k.metrics.Observe(job, started, err)
	if err != nil {
		k.logger.Error("keeper job failed", slog.String("job", job), slog.Any("error", err))
		return err
	}
	k.logger.Info("keeper job completed", slog.String("job", job), slog.Duration("elapsed", time.Since(started)))
	return nil
}

// Start begins firing scheduled jobs with ctx as their parent context.
func (k *Keeper) Start(ctx context.Context) {
	k.mu.Lock()
	k.ctx = ctx
	k.mu.Unlock()
	k.cron.Start()
	k.logger.Info("keeper started", slog.Any("jobs", k.Jobs()))
}

// Stop halts the scheduler and waits for running jobs to finish.
func (k *Keeper) Stop() {
	<-k.cron.Stop().Done()
	k.logger.Info("keeper stopped")
}
