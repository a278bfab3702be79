// Package remote runs commands on leased hosts over ssh and copies
// artifacts back with scp. Remote hosts are ephemeral, so host-key
// verification is disabled; connections use a bounded connect timeout
// and keepalive probing so long-running remote commands are not dropped
// by idle network intermediaries.
//
// The exit-code contract is the only success signal for a workflow
// step. Artifact retrieval after a step is deliberately best-effort:
// losing test logs must never mask, or be masked by, a genuine test
// failure.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// CommandError reports a remote command whose exit code did not match
// the expected one. It is the primary error-propagation point for the
// whole workflow.
type CommandError struct {
	Host     string
	Command  string
	Expected int
	Actual   int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("remote command on %s exited with an unexpected code (got: %d, expected: %d)",
		e.Host, e.Actual, e.Expected)
}

// RunOpts controls one RunRemote invocation.
type RunOpts struct {
	// ExpectedExit is the exit code that counts as success. Zero value
	// means the conventional 0.
	ExpectedExit int

	// ArtifactsGlob, when set and the executor has a local artifacts
	// directory configured, is a remote glob pulled into the local
	// artifacts directory after the command finishes.
	ArtifactsGlob string

	// IgnoreExit suppresses the exit-code contract entirely; the actual
	// code is returned without judgement. Used for commands that are
	// expected to drop the connection (e.g. reboot).
	IgnoreExit bool
}

// Result describes one completed remote command. ArtifactsFetched is
// the explicit name for the otherwise-silent fetch outcome: false with
// a non-empty glob means the fetch was attempted and failed (already
// logged), not that the step failed.
type Result struct {
	ExitCode         int
	ArtifactsFetched bool
}

// runFunc spawns argv as a local process with inherited stdio and
// returns its exit code. Tests substitute this.
type runFunc func(ctx context.Context, argv []string) int

// Config holds Executor parameters.
type Config struct {
	// User is the remote login user. Default "root".
	User string

	// ConnectTimeoutSec bounds the ssh connection attempt. Default 180.
	ConnectTimeoutSec int

	// ArtifactsDir is the local directory remote artifacts are pulled
	// into. Empty disables fetching.
	ArtifactsDir string

	Logger *slog.Logger
}

// Executor runs local and remote commands. It is stateless between
// invocations; per-call inputs arrive as arguments.
type Executor struct {
	user           string
	connectTimeout int
	artifactsDir   string
	logger         *slog.Logger
	run            runFunc
}

// New creates an Executor.
func New(cfg Config) *Executor {
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.ConnectTimeoutSec == 0 {
		cfg.ConnectTimeoutSec = 180
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		user:           cfg.User,
		connectTimeout: cfg.ConnectTimeoutSec,
		artifactsDir:   cfg.ArtifactsDir,
		logger:         cfg.Logger,
		run:            spawn,
	}
}

// spawn executes argv directly (no shell interpretation), streaming
// output to the caller's stdout/stderr, and blocks until completion.
// The context never kills a started child: termination is cooperative
// and observed between phases, so an in-flight command or copy always
// runs to completion. A command that cannot be started reports exit
// code 127.
func spawn(_ context.Context, argv []string) int {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 127
}

// BindArtifactsDir sets the local destination for artifact fetching.
// Fetching stays disabled until the per-job directory exists.
func (e *Executor) BindArtifactsDir(dir string) { e.artifactsDir = dir }

// RunLocal executes argv on the local machine and returns its exit
// code. A non-zero exit is not an error; the code is the sole signal.
func (e *Executor) RunLocal(ctx context.Context, argv []string) int {
	e.logger.Info("executing a LOCAL command", slog.String("command", strings.Join(argv, " ")))
	return e.run(ctx, argv)
}

// sshArgs wraps command in an ssh invocation against host.
func (e *Executor) sshArgs(host, command string) []string {
	return []string{
		"/usr/bin/ssh", "-t",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "StrictHostKeyChecking=no",
		"-o", fmt.Sprintf("ConnectTimeout=%d", e.connectTimeout),
		"-o", "TCPKeepAlive=yes",
		"-o", "ServerAliveInterval=2",
		"-l", e.user,
		host, command,
	}
}

// scpOptions is shared by both copy directions.
func scpOptions() []string {
	return []string{
		"/usr/bin/scp", "-r",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "StrictHostKeyChecking=no",
	}
}

// RunRemote executes command as a single shell string on host. After
// the command completes, artifacts are pulled if opts.ArtifactsGlob and
// the local artifacts directory are both set; a failed fetch is logged
// and reported in the Result but never alters the exit outcome.
//
// Unless opts.IgnoreExit is set, an exit code different from
// opts.ExpectedExit yields a *CommandError carrying both codes.
func (e *Executor) RunRemote(ctx context.Context, host, command string, opts RunOpts) (Result, error) {
	e.logger.Info("executing a REMOTE command",
		slog.String("host", host),
		slog.String("command", command),
	)

	res := Result{ExitCode: e.run(ctx, e.sshArgs(host, command))}

	if opts.ArtifactsGlob != "" && e.artifactsDir != "" {
		if rc := e.FetchArtifacts(ctx, host, opts.ArtifactsGlob, e.artifactsDir); rc == 0 {
			res.ArtifactsFetched = true
		} else {
			e.logger.Warn("fetching artifacts failed",
				slog.String("host", host),
				slog.String("remote", opts.ArtifactsGlob),
				slog.Int("exitCode", rc),
			)
		}
	}

	if !opts.IgnoreExit && res.ExitCode != opts.ExpectedExit {
		return res, &CommandError{
			Host:     host,
			Command:  command,
			Expected: opts.ExpectedExit,
			Actual:   res.ExitCode,
		}
	}
	return res, nil
}

// FetchArtifacts recursively copies remoteDir on host into localDir and
// returns the copy tool's exit code without interpretation.
func (e *Executor) FetchArtifacts(ctx context.Context, host, remoteDir, localDir string) int {
	e.logger.Info("fetching artifacts",
		slog.String("host", host),
		slog.String("remote", remoteDir),
		slog.String("local", localDir),
	)
	argv := append(scpOptions(), fmt.Sprintf("%s@%s:%s", e.user, host, remoteDir), localDir)
	return e.run(ctx, argv)
}

// Upload recursively copies localSource to remoteTarget on host and
// returns the copy tool's exit code without interpretation.
func (e *Executor) Upload(ctx context.Context, host, localSource, remoteTarget string) int {
	e.logger.Info("uploading file",
		slog.String("host", host),
		slog.String("local", localSource),
		slog.String("remote", remoteTarget),
	)
	argv := append(scpOptions(), localSource, fmt.Sprintf("%s@%s:%s", e.user, host, remoteTarget))
	return e.run(ctx, argv)
}
