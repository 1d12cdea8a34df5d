// Package sandbox runs user-supplied code nodes in isolated, time-bounded
// environments. Two strategies sit behind one interface: an in-process
// Lua interpreter with a restricted global surface, and a short-lived
// out-of-process JavaScript interpreter exchanging a single JSON payload.
// Timeout enforcement and output validation are shared across strategies.
package sandbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/types"
)

// DefaultTimeout bounds a sandboxed execution when the caller does not
// supply one.
const DefaultTimeout = 30 * time.Second

// Runner is the sandbox contract the engine consumes.
type Runner interface {
	// RunSandboxed executes source in the strategy selected by language
	// and returns the produced items. Output length is unconstrained
	// relative to input length. Exceeding the timeout terminates the
	// execution and yields a timeout error; it is never retried here.
	RunSandboxed(ctx context.Context, language, source string, items types.Batch, timeout time.Duration) (types.Batch, error)
}

type strategy interface {
	run(ctx context.Context, source string, items types.Batch) (types.Batch, error)
}

// Config configures the executor.
type Config struct {
	// DefaultTimeout applies when RunSandboxed receives a zero timeout.
	DefaultTimeout time.Duration
	// NodePath is the JavaScript interpreter binary, "node" by default.
	NodePath string
}

// Executor dispatches sandboxed executions to language strategies.
type Executor struct {
	defaultTimeout time.Duration
	strategies     map[string]strategy
	logger         *zap.Logger
}

// NewExecutor creates a sandbox executor with the lua and javascript
// strategies registered.
func NewExecutor(cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "sandbox"))

	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.NodePath == "" {
		cfg.NodePath = "node"
	}

	return &Executor{
		defaultTimeout: cfg.DefaultTimeout,
		strategies: map[string]strategy{
			"lua":        &luaStrategy{logger: logger},
			"javascript": &subprocessStrategy{command: cfg.NodePath, logger: logger},
		},
		logger: logger,
	}
}

// RunSandboxed implements Runner.
func (e *Executor) RunSandboxed(ctx context.Context, language, source string, items types.Batch, timeout time.Duration) (types.Batch, error) {
	strat, ok := e.strategies[language]
	if !ok {
		return nil, types.Errorf(types.ErrKindValidation, "unsupported sandbox language %q", language)
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := strat.run(runCtx, source, items)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("sandbox execution timed out",
				zap.String("language", language),
				zap.Duration("timeout", timeout),
			)
			return nil, types.Errorf(types.ErrKindTimeout, "sandbox execution exceeded %s", timeout).WithCause(err)
		}
		return nil, err
	}

	e.logger.Debug("sandbox execution completed",
		zap.String("language", language),
		zap.Int("input_items", len(items)),
		zap.Int("output_items", len(out)),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}
