package tb

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ValidationOptions configures a RemoteValidator.
type ValidationOptions struct {
	InstanceID string
	// RestoreCommand is run on the instance; "{date}" is replaced by the backup date.
	RestoreCommand string
	// Poll bounds the wait for the instance to reach the running state.
	Poll RetryPolicy
}

// DefaultRestoreCommand restores the given date on the validation instance.
const DefaultRestoreCommand = "tb restore --date {date}"

// RemoteValidator proves a backup restorable by restoring it on a spare instance.
type RemoteValidator struct {
	opts    ValidationOptions
	compute ComputeControl
	runner  RemoteRunner
	logger  Logger
}

// NewRemoteValidator creates a RemoteValidator.
func NewRemoteValidator(opts ValidationOptions, compute ComputeControl, runner RemoteRunner, logger Logger) *RemoteValidator {
	if opts.RestoreCommand == "" {
		opts.RestoreCommand = DefaultRestoreCommand
	}
	return &RemoteValidator{opts: opts, compute: compute, runner: runner, logger: logger}
}

// Validate starts the instance, waits for it, runs the restore of date and stops the
// instance again. The instance is stopped only after a successful restore; on any
// failure it is left running and the failing step is named in the error.
func (v *RemoteValidator) Validate(ctx context.Context, date string) error {
	id := v.opts.InstanceID
	v.logger.Info("remote validation started", "instance", id, "date", date)

	if err := v.compute.Start(ctx, id); err != nil {
		v.logger.Warn("starting validation instance failed", "instance", id, "error", err)
		return fmt.Errorf("starting instance %s: %w", id, err)
	}

	status, err := WithRetry(ctx, v.opts.Poll, func(err error, attempt int) {
		v.logger.Debug("waiting for validation instance", "instance", id, "attempt", attempt, "error", err)
	}, func(ctx context.Context) (*InstanceStatus, error) {
		st, err := v.compute.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.State != InstanceRunning {
			return nil, fmt.Errorf("instance is %s", st.State)
		}
		if st.Address == "" {
			return nil, fmt.Errorf("instance has no address yet")
		}
		return st, nil
	})
	if err != nil {
		v.logger.Warn("validation instance did not become ready, leaving it running", "instance", id, "error", err)
		return fmt.Errorf("waiting for instance %s: %w", id, err)
	}

	cmd := strings.ReplaceAll(v.opts.RestoreCommand, "{date}", date)
	start := time.Now()
	if err := v.runner.Run(ctx, status.Address, cmd); err != nil {
		v.logger.Warn("remote restore failed, leaving instance running", "instance", id, "host", status.Address, "error", err)
		return fmt.Errorf("remote restore on %s: %w", id, err)
	}
	v.logger.Info("remote restore succeeded", "instance", id, "elapsed", time.Since(start).Round(time.Second))

	if err := v.compute.Stop(ctx, id); err != nil {
		v.logger.Warn("stopping validation instance failed", "instance", id, "error", err)
		return fmt.Errorf("stopping instance %s: %w", id, err)
	}
	v.logger.Info("remote validation finished, instance stopped", "instance", id)
	return nil
}
