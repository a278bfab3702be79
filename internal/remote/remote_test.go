package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type RemoteSuite struct {
	suite.Suite
	ctx   context.Context
	calls [][]string
	codes []int
}

func (s *RemoteSuite) SetupTest() {
	s.ctx = context.Background()
	s.calls = nil
	s.codes = nil
}

// newExecutor builds an Executor whose spawned processes are replaced
// by a recorder returning the scripted exit codes in order.
func (s *RemoteSuite) newExecutor(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := New(cfg)
	e.run = func(_ context.Context, argv []string) int {
		s.calls = append(s.calls, argv)
		if len(s.codes) == 0 {
			return 0
		}
		rc := s.codes[0]
		s.codes = s.codes[1:]
		return rc
	}
	return e
}

func TestRemoteSuite(t *testing.T) {
	suite.Run(t, new(RemoteSuite))
}

// ---------------------------------------------------------------------------
// ssh invocation shape
// ---------------------------------------------------------------------------

func (s *RemoteSuite) TestRunRemote_SSHInvocation() {
	e := s.newExecutor(Config{User: "root", ConnectTimeoutSec: 180})

	_, err := e.RunRemote(s.ctx, "host1", "echo hello", RunOpts{})
	require.NoError(s.T(), err)

	require.Len(s.T(), s.calls, 1)
	argv := s.calls[0]
	joined := strings.Join(argv, " ")

	assert.Equal(s.T(), "/usr/bin/ssh", argv[0])
	assert.Contains(s.T(), joined, "UserKnownHostsFile=/dev/null")
	assert.Contains(s.T(), joined, "StrictHostKeyChecking=no")
	assert.Contains(s.T(), joined, "ConnectTimeout=180")
	assert.Contains(s.T(), joined, "TCPKeepAlive=yes")
	assert.Contains(s.T(), joined, "ServerAliveInterval=2")
	assert.Contains(s.T(), argv, "-l")
	assert.Contains(s.T(), argv, "root")
	// Host and command are the trailing arguments.
	assert.Equal(s.T(), "host1", argv[len(argv)-2])
	assert.Equal(s.T(), "echo hello", argv[len(argv)-1])
}

func (s *RemoteSuite) TestDefaults() {
	e := s.newExecutor(Config{})

	_, err := e.RunRemote(s.ctx, "host1", "true", RunOpts{})
	require.NoError(s.T(), err)

	joined := strings.Join(s.calls[0], " ")
	assert.Contains(s.T(), joined, "ConnectTimeout=180")
	assert.Contains(s.T(), joined, "-l root")
}

// ---------------------------------------------------------------------------
// Exit-code contract
// ---------------------------------------------------------------------------

func (s *RemoteSuite) TestRunRemote_UnexpectedExitYieldsCommandError() {
	e := s.newExecutor(Config{})
	s.codes = []int{3}

	res, err := e.RunRemote(s.ctx, "host1", "false", RunOpts{})

	var cmdErr *CommandError
	require.ErrorAs(s.T(), err, &cmdErr)
	assert.Equal(s.T(), "host1", cmdErr.Host)
	assert.Equal(s.T(), "false", cmdErr.Command)
	assert.Equal(s.T(), 0, cmdErr.Expected)
	assert.Equal(s.T(), 3, cmdErr.Actual)
	assert.Equal(s.T(), 3, res.ExitCode)
}

func (s *RemoteSuite) TestRunRemote_CustomExpectedExit() {
	e := s.newExecutor(Config{})
	s.codes = []int{255}

	res, err := e.RunRemote(s.ctx, "host1", "systemctl reboot", RunOpts{ExpectedExit: 255})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 255, res.ExitCode)
}

func (s *RemoteSuite) TestRunRemote_IgnoreExitNeverErrors() {
	e := s.newExecutor(Config{})
	s.codes = []int{142}

	res, err := e.RunRemote(s.ctx, "host1", "systemctl reboot", RunOpts{IgnoreExit: true})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 142, res.ExitCode)
}

// ---------------------------------------------------------------------------
// Artifact fetching
// ---------------------------------------------------------------------------

func (s *RemoteSuite) TestRunRemote_FetchesArtifactsAfterCommand() {
	e := s.newExecutor(Config{ArtifactsDir: "/tmp/artifacts_x"})

	res, err := e.RunRemote(s.ctx, "host1", "run-tests", RunOpts{ArtifactsGlob: "~/testsuite-logs*"})
	require.NoError(s.T(), err)
	assert.True(s.T(), res.ArtifactsFetched)

	require.Len(s.T(), s.calls, 2)
	scpArgv := s.calls[1]
	assert.Equal(s.T(), "/usr/bin/scp", scpArgv[0])
	assert.Contains(s.T(), scpArgv, "root@host1:~/testsuite-logs*")
	assert.Contains(s.T(), scpArgv, "/tmp/artifacts_x")
}

func (s *RemoteSuite) TestRunRemote_FetchFailureIsBestEffort() {
	e := s.newExecutor(Config{ArtifactsDir: "/tmp/artifacts_x"})
	// Command succeeds, fetch fails.
	s.codes = []int{0, 1}

	res, err := e.RunRemote(s.ctx, "host1", "run-tests", RunOpts{ArtifactsGlob: "~/logs*"})
	require.NoError(s.T(), err)
	assert.False(s.T(), res.ArtifactsFetched)
}

func (s *RemoteSuite) TestRunRemote_FetchRunsEvenWhenCommandFails() {
	// Test logs must be collected precisely when the step failed.
	e := s.newExecutor(Config{ArtifactsDir: "/tmp/artifacts_x"})
	s.codes = []int{1, 0}

	res, err := e.RunRemote(s.ctx, "host1", "run-tests", RunOpts{ArtifactsGlob: "~/logs*"})

	var cmdErr *CommandError
	require.ErrorAs(s.T(), err, &cmdErr)
	assert.True(s.T(), res.ArtifactsFetched)
	assert.Len(s.T(), s.calls, 2)
}

func (s *RemoteSuite) TestRunRemote_NoFetchWithoutArtifactsDir() {
	e := s.newExecutor(Config{})

	_, err := e.RunRemote(s.ctx, "host1", "run-tests", RunOpts{ArtifactsGlob: "~/logs*"})
	require.NoError(s.T(), err)
	assert.Len(s.T(), s.calls, 1)
}

func (s *RemoteSuite) TestBindArtifactsDir_EnablesFetching() {
	e := s.newExecutor(Config{})
	e.BindArtifactsDir("/tmp/artifacts_x")

	_, err := e.RunRemote(s.ctx, "host1", "run-tests", RunOpts{ArtifactsGlob: "~/logs*"})
	require.NoError(s.T(), err)

	require.Len(s.T(), s.calls, 2)
	assert.Contains(s.T(), s.calls[1], "/tmp/artifacts_x")
}

// ---------------------------------------------------------------------------
// Copy directions
// ---------------------------------------------------------------------------

func (s *RemoteSuite) TestUpload() {
	e := s.newExecutor(Config{User: "root"})

	rc := e.Upload(s.ctx, "host1", "/home/systemd/duffy.key", "/duffy.key")
	assert.Equal(s.T(), 0, rc)

	require.Len(s.T(), s.calls, 1)
	argv := s.calls[0]
	assert.Equal(s.T(), "/usr/bin/scp", argv[0])
	assert.Equal(s.T(), "/home/systemd/duffy.key", argv[len(argv)-2])
	assert.Equal(s.T(), "root@host1:/duffy.key", argv[len(argv)-1])
}

func (s *RemoteSuite) TestFetchArtifacts_PropagatesExitCode() {
	e := s.newExecutor(Config{})
	s.codes = []int{12}

	rc := e.FetchArtifacts(s.ctx, "host1", "~/logs*", "/tmp/dest")
	assert.Equal(s.T(), 12, rc)
}

// ---------------------------------------------------------------------------
// Local execution
// ---------------------------------------------------------------------------

// These two spawn real processes: a cancelled context must never kill
// a started command, since termination is only observed between phases.

func (s *RemoteSuite) TestSpawn_CancelledContextDoesNotPreventStart() {
	e := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(s.T(), 0, e.RunLocal(ctx, []string{"/bin/sh", "-c", "exit 0"}))
	assert.Equal(s.T(), 3, e.RunLocal(ctx, []string{"/bin/sh", "-c", "exit 3"}))
}

func (s *RemoteSuite) TestSpawn_StartedCommandRunsToCompletion() {
	e := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	// The command outlives the cancellation and still reports its own
	// exit code, not a kill.
	rc := e.RunLocal(ctx, []string{"/bin/sh", "-c", "sleep 0.3; exit 0"})
	assert.Equal(s.T(), 0, rc)
}

func (s *RemoteSuite) TestRunLocal() {
	e := s.newExecutor(Config{})
	s.codes = []int{2}

	rc := e.RunLocal(s.ctx, []string{"/usr/bin/ping", "-c", "1", "host1"})
	assert.Equal(s.T(), 2, rc)
	assert.Equal(s.T(), []string{"/usr/bin/ping", "-c", "1", "host1"}, s.calls[0])
}

// ---------------------------------------------------------------------------
// CommandError formatting
// ---------------------------------------------------------------------------

func (s *RemoteSuite) TestCommandErrorMessage() {
	err := &CommandError{Host: "host1", Command: "x", Expected: 0, Actual: 3}
	assert.Contains(s.T(), err.Error(), "host1")
	assert.Contains(s.T(), err.Error(), "got: 3")
	assert.Contains(s.T(), err.Error(), "expected: 0")

	var target *CommandError
	assert.True(s.T(), errors.As(error(err), &target))
}
