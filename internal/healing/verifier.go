package healing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/genba/internal/breaker"
	"github.com/harunnryd/genba/internal/config"
	"github.com/harunnryd/genba/internal/health"
	"github.com/harunnryd/genba/internal/notify"
	"github.com/harunnryd/genba/internal/remote"
	"github.com/harunnryd/genba/internal/task"
)

// Outcome is one verification result. Healthy means the deployment
// probe passed and the task should go on to human deploy confirmation.
// Unhealthy means every file the task wrote has been restored from its
// backup and the task must end ROLLED_BACK without asking anyone.
type Outcome struct {
	Healthy       bool          `json:"healthy"`
	Probe         health.Result `json:"probe"`
	RestoredFiles []string      `json:"restored_files,omitempty"`
	RestoreErrors []string      `json:"restore_errors,omitempty"`
}

// Verifier checks a freshly written deployment and rolls it back when
// the target does not come up healthy.
type Verifier struct {
	enabled      bool
	gracePeriod  time.Duration
	probeURL     string
	probeTimeout time.Duration

	checker  *health.Checker
	files    remote.FileStore
	breakers *breaker.Registry
	notifier *notify.Notifier
}

func NewVerifier(cfg config.HealingConfig, files remote.FileStore, breakers *breaker.Registry, notifier *notify.Notifier) (*Verifier, error) {
	grace, err := config.DurationOrDefault(cfg.GracePeriod, config.DefaultHealingGracePeriod)
	if err != nil {
		return nil, fmt.Errorf("parse healing grace period: %w", err)
	}
	probeTimeout, err := config.DurationOrDefault(cfg.ProbeTimeout, config.DefaultHealingProbeTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse healing probe timeout: %w", err)
	}

	return &Verifier{
		enabled:      cfg.Enabled,
		gracePeriod:  grace,
		probeURL:     cfg.ProbeURL,
		probeTimeout: probeTimeout,
		checker:      health.NewChecker(probeTimeout),
		files:        files,
		breakers:     breakers,
		notifier:     notifier,
	}, nil
}

// Enabled reports whether verification should run at all.
func (v *Verifier) Enabled() bool {
	return v.enabled && v.probeURL != ""
}

// Verify waits out the grace period, probes the deployment target and
// rolls the task's writes back when the probe fails. The caller still
// owns the task's status transition; Verify only mutates files and
// fires the auto_healed notification.
func (v *Verifier) Verify(ctx context.Context, t *task.Task) (Outcome, error) {
	if err := v.wait(ctx); err != nil {
		return Outcome{}, err
	}

	result := v.probe(ctx, t)
	if result.Healthy {
		slog.Info("Deployment verified healthy",
			"task_id", t.ID, "status_code", result.StatusCode, "latency", result.Latency)
		return Outcome{Healthy: true, Probe: result}, nil
	}

	slog.Warn("Deployment unhealthy, rolling back",
		"task_id", t.ID, "status_code", result.StatusCode, "error", result.Err)

	outcome := Outcome{Probe: result}
	for path, backupRef := range t.WrittenFiles {
		if err := v.files.Restore(ctx, path, backupRef); err != nil {
			slog.Error("Rollback restore failed", "task_id", t.ID, "path", path, "error", err)
			outcome.RestoreErrors = append(outcome.RestoreErrors, path+": "+err.Error())
			continue
		}
		outcome.RestoredFiles = append(outcome.RestoredFiles, path)
	}

	v.notifier.Notify(ctx, t.WebhookURL, notify.Event{
		TaskID: t.ID,
		Status: "auto_healed",
		Result: fmt.Sprintf("probe failed, restored %d of %d files",
			len(outcome.RestoredFiles), len(t.WrittenFiles)),
	})

	return outcome, nil
}

func (v *Verifier) wait(ctx context.Context) error {
	if v.gracePeriod <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(v.gracePeriod):
		return nil
	}
}

// probe runs the health check through the probe breaker. Test mode
// synthesizes an unhealthy result without touching the network so the
// rollback path is exercisable deterministically.
func (v *Verifier) probe(ctx context.Context, t *task.Task) health.Result {
	if t.TestMode {
		return health.Result{Healthy: false, Err: "forced unhealthy (test mode)"}
	}

	var result health.Result
	err := v.breakers.Call("probe:"+v.probeURL, func() error {
		var perr error
		result, perr = v.checker.Check(ctx, v.probeURL)
		return perr
	})
	if err != nil && result.Err == "" {
		result.Err = err.Error()
	}
	return result
}
