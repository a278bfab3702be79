// Package artifacts manages the per-job local artifacts directory and
// the optional HTML index generated over it.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// LocalRunner runs a local command and returns its exit code.
type LocalRunner interface {
	RunLocal(ctx context.Context, argv []string) int
}

// Store is the job's local artifacts destination: a fresh directory
// created once before any remote phase runs and never reused across
// jobs.
type Store struct {
	// Dir is the created directory.
	Dir string

	logger *slog.Logger
}

// NewStore creates a fresh artifacts_* directory under base ("." when
// empty).
func NewStore(base string, logger *slog.Logger) (*Store, error) {
	if base == "" {
		base = "."
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dir, err := os.MkdirTemp(base, "artifacts_")
	if err != nil {
		return nil, fmt.Errorf("creating artifacts directory: %w", err)
	}
	logger.Info("artifacts storage ready", slog.String("dir", dir))
	return &Store{Dir: dir, logger: logger}, nil
}

// Index invokes the external indexing tool as `script <dir> <outFile>`.
// The tool is optional: when the script is missing on disk the call is
// skipped. Index failures are logged only; the job's outcome is already
// decided by the time the index runs.
func (s *Store) Index(ctx context.Context, runner LocalRunner, script, outFile string) {
	if _, err := os.Stat(script); err != nil {
		s.logger.Debug("index script not present, skipping",
			slog.String("script", script),
		)
		return
	}
	s.logger.Info("attempting to create an HTML index page",
		slog.String("dir", s.Dir),
	)
	if rc := runner.RunLocal(ctx, []string{script, s.Dir, outFile}); rc != 0 {
		s.logger.Warn("index generation failed",
			slog.String("script", script),
			slog.Int("exitCode", rc),
		)
	}
}
