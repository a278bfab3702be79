// Package reboot drives a leased host through reboot and polls for
// reachability with bounded retries.
//
// The coordinator is a small state machine:
//
//	Rebooting → WaitingCooldown → Probing → Reachable | TimedOut
//
// The reboot command is expected to drop the ssh connection, so its
// disconnect-style exit code is tolerated. A cooldown pause precedes
// the first probe to avoid false negatives against a host still
// shutting down, and a settle pause follows the first successful probe
// so post-boot services can finish initializing.
package reboot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/terrpan/agentctl/internal/remote"
	"github.com/terrpan/agentctl/internal/retry"
)

// TimeoutError is the terminal failure: the host never answered a
// probe within the schedule. It is fatal to the enclosing job.
type TimeoutError struct {
	Host     string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for %s to come back online after %d probes", e.Host, e.Attempts)
}

// Executor is the command surface the coordinator needs.
type Executor interface {
	RunRemote(ctx context.Context, host, command string, opts remote.RunOpts) (remote.Result, error)
	RunLocal(ctx context.Context, argv []string) int
}

// Config holds coordinator parameters. Zero values select the
// defaults from the original workflow.
type Config struct {
	// Command is the remote reboot command. Default "systemctl reboot".
	Command string

	// DisconnectExit is the exit code the dropped connection produces.
	// Default 255.
	DisconnectExit int

	// Cooldown precedes the first probe. Default 30s.
	Cooldown time.Duration

	// Probes is the probe budget. Default 10.
	Probes int

	// ProbeTimeoutSec bounds one probe. Default 10.
	ProbeTimeoutSec int

	// ProbeInterval separates failed probes. Default 15s.
	ProbeInterval time.Duration

	// Settle follows the first successful probe. Default 30s.
	Settle time.Duration

	// Sleep overrides waiting for tests.
	Sleep retry.Sleep

	Logger *slog.Logger
}

// Coordinator reboots hosts and waits for them to come back.
type Coordinator struct {
	exec  Executor
	cfg   Config
	sleep retry.Sleep
}

// New creates a Coordinator using exec for both the remote reboot
// command and the local reachability probe.
func New(exec Executor, cfg Config) *Coordinator {
	if cfg.Command == "" {
		cfg.Command = "systemctl reboot"
	}
	if cfg.DisconnectExit == 0 {
		cfg.DisconnectExit = 255
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes == 0 {
		cfg.Probes = 10
	}
	if cfg.ProbeTimeoutSec == 0 {
		cfg.ProbeTimeoutSec = 10
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.Settle == 0 {
		cfg.Settle = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = retry.Wait
	}
	return &Coordinator{exec: exec, cfg: cfg, sleep: sleep}
}

// Reboot issues the reboot command on host and blocks until the host
// answers a reachability probe and the settle pause has elapsed. It
// returns a *TimeoutError if the probe budget is exhausted.
func (c *Coordinator) Reboot(ctx context.Context, host string) error {
	c.cfg.Logger.Info("rebooting node", slog.String("host", host))

	// The connection is expected to drop; the exit code is irrelevant.
	if _, err := c.exec.RunRemote(ctx, host, c.cfg.Command, remote.RunOpts{
		ExpectedExit: c.cfg.DisconnectExit,
		IgnoreExit:   true,
	}); err != nil {
		return err
	}

	if err := c.sleep(ctx, c.cfg.Cooldown); err != nil {
		return err
	}

	probe := []string{
		"/usr/bin/ping", "-q", "-c", "1",
		"-W", strconv.Itoa(c.cfg.ProbeTimeoutSec),
		host,
	}

	attempt := 0
	err := retry.Do(ctx, retry.Constant(c.cfg.ProbeInterval, c.cfg.Probes), c.sleep, func() error {
		attempt++
		c.cfg.Logger.Info("checking if the node is alive",
			slog.String("host", host),
			slog.Int("try", attempt),
		)
		if rc := c.exec.RunLocal(ctx, probe); rc != 0 {
			return fmt.Errorf("probe exited %d", rc)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, retry.ErrNoAttempts) {
			return &TimeoutError{Host: host, Attempts: 0}
		}
		return &TimeoutError{Host: host, Attempts: attempt}
	}

	c.cfg.Logger.Info("node appears reachable again", slog.String("host", host))

	// Give the node time to finish the boot process.
	return c.sleep(ctx, c.cfg.Settle)
}
