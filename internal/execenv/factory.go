package execenv

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gated/internal/microplan"
	"github.com/fyrsmithlabs/gated/internal/scheduler"
	"github.com/fyrsmithlabs/gated/internal/validation"
)

// NewServiceFactory returns a per-project service port builder. The
// token counter is shared across projects; everything else is rooted
// at the run's project path. A project that is not a git checkout gets
// a nil git port, and git-dependent validators skip.
func NewServiceFactory(commands ToolCommands, timeout time.Duration, tokens validation.TokenCounter, logger *zap.Logger) validation.ServiceFactory {
	return func(projectPath string) validation.Services {
		runner := NewToolRunner(projectPath, commands, timeout, logger)
		services := validation.Services{
			AST:      NewGoAST(projectPath),
			Tests:    runner,
			Compiler: runner,
			Linter:   runner,
			Builder:  runner,
			Tokens:   tokens,
			Logger:   logger,
		}
		repo, err := OpenGitRepo(projectPath)
		if err != nil {
			logger.Debug("project is not a git repository, git validators will skip",
				zap.String("path", projectPath), zap.Error(err))
		} else {
			services.Git = repo
		}
		return services
	}
}

// VerifyRunner executes each work unit's verify command through the
// shell, in the unit's project directory. Units without a verify
// command complete immediately.
type VerifyRunner struct {
	dir     string
	timeout time.Duration
	logger  *zap.Logger
}

// NewVerifyRunner creates a verify-command runner rooted at the project
// directory.
func NewVerifyRunner(dir string, timeout time.Duration, logger *zap.Logger) *VerifyRunner {
	return &VerifyRunner{dir: dir, timeout: timeout, logger: logger.Named("verify")}
}

func (r *VerifyRunner) RunUnit(ctx context.Context, unit microplan.WorkUnit) error {
	if unit.Verify == "" {
		return nil
	}
	runner := NewToolRunner(r.dir, ToolCommands{}, r.timeout, r.logger)
	res, err := runner.run(ctx, []string{"sh", "-c", unit.Verify})
	if err != nil {
		return fmt.Errorf("unit %s verify: %w", unit.ID, err)
	}
	if res.timedOut {
		return fmt.Errorf("unit %s verify timed out after %s", unit.ID, r.timeout)
	}
	if res.exitCode != 0 {
		return fmt.Errorf("unit %s verify exited %d: %s", unit.ID, res.exitCode, res.output)
	}
	return nil
}

var _ scheduler.UnitRunner = (*VerifyRunner)(nil)
