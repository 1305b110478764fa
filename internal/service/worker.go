package service

import (
	"cmp"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/deployops/deploy-control-plane/internal/config"
	"github.com/deployops/deploy-control-plane/internal/logging"
	"github.com/deployops/deploy-control-plane/internal/metrics"
	"github.com/deployops/deploy-control-plane/internal/schedule"
)

var (
	defaultInterval = 5 * time.Minute
	errorInterval   = 30 * time.Second
	rescanInterval  = time.Minute
)

// RefreshWorker keeps every managed checkout fresh by fetching its remotes on
// an interval. Each checkout is one scheduled job; a rescan job discovers
// checkouts provisioned after startup. A checkout that disappears from the
// managed root retires its job.
type RefreshWorker struct {
	manager  *Manager
	sched    *schedule.Scheduler
	interval time.Duration
	log      *logging.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewRefreshWorker(manager *Manager, sched *schedule.Scheduler, logger *logging.Logger) *RefreshWorker {
	return &RefreshWorker{
		manager:  manager,
		sched:    sched,
		interval: defaultInterval,
		log:      logger,
		seen:     make(map[string]struct{}),
	}
}

func (w *RefreshWorker) WithInterval(d config.Duration) *RefreshWorker {
	w.interval = cmp.Or(time.Duration(d), defaultInterval)
	return w
}

// Start schedules a refresh job for every current checkout plus the rescan
// job and returns immediately; the scheduler's workers do the rest.
func (w *RefreshWorker) Start(ctx context.Context) error {
	if err := w.rescan(ctx); err != nil {
		return err
	}

	w.sched.Add("rescan", func(ctx context.Context) time.Time {
		if err := w.rescan(ctx); err != nil {
			w.log.Warnf("Rescanning managed root failed: %v", err)
		}
		return time.Now().Add(rescanInterval)
	})

	return nil
}

// rescan lists the managed root and schedules jobs for checkouts it has not
// seen before.
func (w *RefreshWorker) rescan(ctx context.Context) error {
	snapshots, err := w.manager.List(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, snapshot := range snapshots {
		folder := snapshot.Folder
		if _, ok := w.seen[folder]; ok {
			continue
		}
		w.seen[folder] = struct{}{}

		w.log.Debugf("Scheduling refresh job for %q", folder)
		w.sched.Add(folder, func(ctx context.Context) time.Time {
			return w.execute(ctx, folder)
		})
	}

	return nil
}

// execute runs one refresh iteration for a folder and reports the next due
// time: the regular interval on success, a faster retry after fetch errors,
// and the zero time once the checkout is gone.
func (w *RefreshWorker) execute(ctx context.Context, folder string) time.Time {
	if _, err := os.Stat(filepath.Join(w.manager.cfg.Directory, folder)); os.IsNotExist(err) {
		w.log.Infof("Checkout %q is gone, retiring its refresh job", folder)
		w.forget(folder)
		var zero time.Time
		return zero
	}

	fetchErrs := w.manager.refresh(ctx, folder)
	metrics.LastRefreshEnd.WithLabelValues(folder).SetToCurrentTime()

	if len(fetchErrs) > 0 {
		for remote, err := range fetchErrs {
			w.log.Warnf("Refreshing %q from %q failed: %v", folder, remote, err)
		}
		return time.Now().Add(errorInterval)
	}

	return time.Now().Add(w.interval)
}

func (w *RefreshWorker) forget(folder string) {
	w.mu.Lock()
	delete(w.seen, folder)
	w.mu.Unlock()
}
