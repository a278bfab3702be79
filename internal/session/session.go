// Package session sequences the phases of one CI job against exactly
// one pool lease and guarantees the lease is returned on every exit
// path: normal completion, phase failure, or external termination.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/agentctl/internal/artifacts"
	"github.com/terrpan/agentctl/internal/pool"
	"github.com/terrpan/agentctl/internal/remote"
)

// Allocator is the pool surface the session needs.
type Allocator interface {
	Allocate(ctx context.Context, req pool.AllocationRequest) (pool.Lease, error)
	Release(ctx context.Context, ssid string)
}

// Executor is the command surface the session needs.
type Executor interface {
	RunRemote(ctx context.Context, host, command string, opts remote.RunOpts) (remote.Result, error)
	RunLocal(ctx context.Context, argv []string) int
	Upload(ctx context.Context, host, localSource, remoteTarget string) int
	BindArtifactsDir(dir string)
}

// Rebooter drives a host through reboot-and-reconnect.
type Rebooter interface {
	Reboot(ctx context.Context, host string) error
}

// Shielder defers termination signals around the release step.
type Shielder interface {
	Shield(fn func())
}

// noShield is used when no guard is wired (tests, admin paths).
type noShield struct{}

func (noShield) Shield(fn func()) { fn() }

// Options selects the workflow variant for one run.
type Options struct {
	OSVersion string
	Arch      string

	// Branch is a commit/tag/branch to build; PR, when set, wins and is
	// translated to the "pr:N" form the bootstrap scripts understand.
	Branch string
	PR     string

	// CIPR checks out a pull request of the CI repository itself before
	// the main phases run.
	CIPR string

	// RHEL selects the downstream bootstrap/testsuite scripts when > 0.
	RHEL int

	// Vagrant runs the test suite inside Vagrant VMs for the given
	// distro tag; VagrantSync instead refreshes the Vagrant image cache.
	Vagrant     string
	VagrantSync bool

	// Keep leaves the node allocated after the run.
	Keep bool

	// NoIndex suppresses HTML index generation.
	NoIndex bool
}

// Config wires the session's collaborators.
type Config struct {
	Pool   Allocator
	Exec   Executor
	Reboot Rebooter
	Guard  Shielder
	Logger *slog.Logger

	// OpenStore creates the job's local artifacts directory. It is
	// called only once a lease is held, so a failed allocation leaves
	// no directory behind. Nil disables artifact collection.
	OpenStore func() (*artifacts.Store, error)

	// RepoBase and CIRepo locate the CI scripts cloned onto the node.
	RepoBase string
	CIRepo   string

	// KeyFile is uploaded to the node for workflows that publish to the
	// artifact server (vagrant cache refresh).
	KeyFile string

	// IndexScript is the external indexing tool invoked over the
	// artifacts directory after the run.
	IndexScript string
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	JobID string `json:"job_id"`
	Phase string `json:"phase"`
	Host  string `json:"host"`
	SSID  string `json:"ssid"`
}

// Session owns one lease for the duration of one job run.
type Session struct {
	cfg   Config
	jobID string
	store *artifacts.Store

	mu     sync.Mutex
	status Status

	tracer trace.Tracer
	meter  metric.Meter

	phasesRun    metric.Int64Counter
	runsFinished metric.Int64Counter
}

// New creates a Session. Run may be called once.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Guard == nil {
		cfg.Guard = noShield{}
	}
	if cfg.RepoBase == "" {
		cfg.RepoBase = "https://github.com/systemd/"
	}
	if cfg.CIRepo == "" {
		cfg.CIRepo = "systemd-centos-ci"
	}

	s := &Session{
		cfg:    cfg,
		jobID:  fmt.Sprintf("job-%s", uuid.NewString()[:8]),
		tracer: otel.Tracer("agentctl/session"),
		meter:  otel.Meter("agentctl/session"),
	}
	s.status.JobID = s.jobID

	var err error
	s.phasesRun, err = s.meter.Int64Counter(
		"agentctl.session.phases",
		metric.WithDescription("Workflow phases executed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create phases counter", slog.String("error", err.Error()))
	}
	s.runsFinished, err = s.meter.Int64Counter(
		"agentctl.session.runs",
		metric.WithDescription("Job runs finished, by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runs counter", slog.String("error", err.Error()))
	}

	return s
}

// Status returns the current snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setPhase(phase string) {
	s.mu.Lock()
	s.status.Phase = phase
	s.mu.Unlock()
}

func (s *Session) setLease(l pool.Lease) {
	s.mu.Lock()
	s.status.Host = l.Host
	s.status.SSID = l.SSID
	s.mu.Unlock()
}

// branch resolves the source selection for the bootstrap scripts.
func (o Options) branch() string {
	if o.PR != "" {
		return "pr:" + o.PR
	}
	return o.Branch
}

// Run executes the whole job: allocate, run the ordered phases, and
// always — unless opts.Keep — release the lease, with termination
// signals deferred for the release's duration. A cooperative
// cancellation observed during the phases is a clean early exit, not an
// error; any phase failure is returned after release has run.
func (s *Session) Run(ctx context.Context, opts Options) (err error) {
	ctx, span := s.tracer.Start(ctx, "session.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", s.jobID),
		attribute.String("job.os_version", opts.OSVersion),
		attribute.String("job.arch", opts.Arch),
	)

	logger := s.cfg.Logger.With(slog.String("jobID", s.jobID))

	s.setPhase("allocating")
	lease, err := s.cfg.Pool.Allocate(ctx, pool.AllocationRequest{
		OSVersion: opts.OSVersion,
		Arch:      opts.Arch,
	})
	if err != nil {
		// No lease obtained: nothing to release.
		if ctx.Err() != nil {
			logger.Info("termination requested during allocation")
			return nil
		}
		logger.Error("cannot continue without a valid node", slog.String("error", err.Error()))
		return err
	}
	s.setLease(lease)
	span.SetAttributes(attribute.String("pool.host", lease.Host))

	defer func() {
		s.finish(ctx, logger, lease, opts, err)
	}()

	// The artifacts directory exists only for runs that hold a lease.
	if s.cfg.OpenStore != nil {
		var store *artifacts.Store
		store, err = s.cfg.OpenStore()
		if err != nil {
			return fmt.Errorf("preparing artifacts storage: %w", err)
		}
		s.store = store
		s.cfg.Exec.BindArtifactsDir(store.Dir)
	}

	err = s.runPhases(ctx, logger, lease, opts)
	if err != nil && ctx.Err() != nil {
		// External termination observed at a phase boundary: clean
		// early exit, release still runs.
		logger.Info("termination requested, skipping remaining phases")
		err = nil
	}
	return err
}

// finish is the guaranteed tail of every run: shielded release (unless
// kept), then index generation. It must not mask the phase error, so
// it reports its own problems through logs only.
func (s *Session) finish(ctx context.Context, logger *slog.Logger, lease pool.Lease, opts Options, phaseErr error) {
	s.setPhase("cleanup")

	// Release survives a cancelled context; a second termination signal
	// must not be able to interrupt it.
	cleanupCtx := context.WithoutCancel(ctx)

	if opts.Keep {
		logger.Info("keeping node allocated as requested",
			slog.String("host", lease.Host),
			slog.String("ssid", lease.SSID),
		)
	} else if lease.Valid() {
		s.cfg.Guard.Shield(func() {
			s.cfg.Pool.Release(cleanupCtx, lease.SSID)
		})
	}

	if !opts.NoIndex && s.store != nil {
		s.store.Index(cleanupCtx, s.cfg.Exec, s.cfg.IndexScript, "index.html")
	}

	outcome := "success"
	if phaseErr != nil {
		outcome = "failure"
	}
	if s.runsFinished != nil {
		s.runsFinished.Add(cleanupCtx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	s.setPhase("done")
}

// phase is one ordered workflow step.
type phase struct {
	name string
	run  func(ctx context.Context) error
}

// runPhases builds and executes the variant-specific phase list,
// stopping at the first failure or observed cancellation.
func (s *Session) runPhases(ctx context.Context, logger *slog.Logger, lease pool.Lease, opts Options) error {
	phases := s.buildPhases(lease, opts)

	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.setPhase(p.name)
		logger.Info("starting phase", slog.String("phase", p.name))

		ctx, span := s.tracer.Start(ctx, "session.phase",
			trace.WithAttributes(attribute.String("phase.name", p.name)))
		err := p.run(ctx)
		if s.phasesRun != nil {
			outcome := "ok"
			if err != nil {
				outcome = "failed"
			}
			s.phasesRun.Add(ctx, 1, metric.WithAttributes(
				attribute.String("phase.name", p.name),
				attribute.String("phase.outcome", outcome),
			))
		}
		span.End()

		if err != nil {
			var cmdErr *remote.CommandError
			if errors.As(err, &cmdErr) {
				logger.Error("phase failed",
					slog.String("phase", p.name),
					slog.Int("exitCode", cmdErr.Actual),
					slog.Int("expected", cmdErr.Expected),
				)
			} else {
				logger.Error("phase failed",
					slog.String("phase", p.name),
					slog.String("error", err.Error()),
				)
			}
			return fmt.Errorf("phase %s: %w", p.name, err)
		}
	}
	return nil
}

// buildPhases assembles the ordered phase list for the selected
// workflow variant.
func (s *Session) buildPhases(lease pool.Lease, opts Options) []phase {
	host := lease.Host
	repo := s.cfg.CIRepo
	branch := opts.branch()

	phases := []phase{
		{
			name: "bootstrap-setup",
			run: func(ctx context.Context) error {
				command := fmt.Sprintf("yum -y install bash git && rm -fr %s && git clone %s%s",
					repo, s.cfg.RepoBase, repo)
				_, err := s.cfg.Exec.RunRemote(ctx, host, command, remote.RunOpts{})
				return err
			},
		},
	}

	if opts.CIPR != "" {
		phases = append(phases, phase{
			name: "ci-branch-checkout",
			run: func(ctx context.Context) error {
				command := fmt.Sprintf("cd %s && git fetch -fu origin 'refs/pull/%s/merge:pr' && git checkout pr",
					repo, opts.CIPR)
				_, err := s.cfg.Exec.RunRemote(ctx, host, command, remote.RunOpts{})
				return err
			},
		})
	}

	switch {
	case opts.VagrantSync:
		phases = append(phases, phase{
			name: "vagrant-cache-refresh",
			run: func(ctx context.Context) error {
				// The key lets the node upload images to the artifact server.
				if rc := s.cfg.Exec.Upload(ctx, host, s.cfg.KeyFile, "/duffy.key"); rc != 0 {
					return fmt.Errorf("uploading pool key exited %d", rc)
				}
				command := fmt.Sprintf("%s/vagrant/vagrant-make-cache.sh", repo)
				_, err := s.cfg.Exec.RunRemote(ctx, host, command, remote.RunOpts{})
				return err
			},
		})

	case opts.Vagrant != "":
		phases = append(phases, phase{
			name: "vagrant-testsuite",
			run: func(ctx context.Context) error {
				command := strings.TrimSpace(fmt.Sprintf("%s/vagrant/vagrant-ci-wrapper.sh %s %s",
					repo, opts.Vagrant, branch))
				_, err := s.cfg.Exec.RunRemote(ctx, host, command, remote.RunOpts{
					ArtifactsGlob: "~/vagrant-logs*",
				})
				return err
			},
		})

	default:
		phases = append(phases,
			phase{
				name: "bootstrap",
				run: func(ctx context.Context) error {
					script := fmt.Sprintf("%s/agent/bootstrap.sh", repo)
					if opts.RHEL > 0 {
						script = fmt.Sprintf("%s/agent/bootstrap-rhel%d.sh", repo, opts.RHEL)
					}
					command := strings.TrimSpace(script + " " + branch)
					_, err := s.cfg.Exec.RunRemote(ctx, host, command, remote.RunOpts{
						ArtifactsGlob: "~/bootstrap-logs*",
					})
					return err
				},
			},
			phase{
				name: "reboot",
				run: func(ctx context.Context) error {
					return s.cfg.Reboot.Reboot(ctx, host)
				},
			},
			phase{
				name: "testsuite",
				run: func(ctx context.Context) error {
					command := fmt.Sprintf("%s/agent/testsuite.sh", repo)
					if opts.RHEL > 0 {
						command = strings.TrimSpace(fmt.Sprintf("%s/agent/testsuite-rhel%d.sh %s",
							repo, opts.RHEL, branch))
					}
					_, err := s.cfg.Exec.RunRemote(ctx, host, command, remote.RunOpts{
						ArtifactsGlob: "~/testsuite-logs*",
					})
					return err
				},
			},
		)
	}

	return phases
}
