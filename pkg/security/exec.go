package security

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/aegis-sre/aegis/pkg/orchestration/dependency"
)

// execBreakerFailureThreshold and execBreakerResetTimeout tune the circuit
// breaker guarding each scanner binary (SPEC_FULL.md §4.5): a tool that
// keeps failing (missing binary, crashing, hanging) trips open rather than
// being retried on every finding.
const (
	execBreakerFailureThreshold = 0.5
	execBreakerResetTimeout     = 30 * time.Second
)

// CommandRunner executes an external scanner binary and returns its raw
// stdout, matching the CLI contracts of spec.md §6. A fake implementation
// drives the test suite without spawning real subprocesses.
type CommandRunner interface {
	// Run invokes tool with args, optionally piping stdin, and returns
	// stdout. ErrToolNotFound is returned when tool cannot be located.
	Run(ctx context.Context, tool string, args []string, stdin []byte) ([]byte, error)
}

// ErrToolNotFound is returned by CommandRunner.Run when the named tool
// binary cannot be located on PATH, triggering each scanner's declared
// fail-open/fail-closed policy (spec.md §4.5).
var ErrToolNotFound = exec.ErrNotFound

// execRunner is the real CommandRunner, shelling out via os/exec. Each tool
// binary gets its own circuit breaker, keyed by name, so a broken trivy
// install doesn't also throttle grype or checkov calls.
type execRunner struct {
	mu       sync.Mutex
	breakers map[string]*dependency.CircuitBreaker
}

// NewExecRunner returns the CommandRunner used in production.
func NewExecRunner() CommandRunner {
	return &execRunner{breakers: map[string]*dependency.CircuitBreaker{}}
}

func (r *execRunner) breakerFor(tool string) *dependency.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[tool]
	if !ok {
		b = dependency.NewCircuitBreaker("scanner-"+tool, execBreakerFailureThreshold, execBreakerResetTimeout)
		r.breakers[tool] = b
	}
	return b
}

func (r *execRunner) Run(ctx context.Context, tool string, args []string, stdin []byte) ([]byte, error) {
	var stdout bytes.Buffer
	err := r.breakerFor(tool).Call(func() error {
		stdout.Reset()
		if _, err := exec.LookPath(tool); err != nil {
			return ErrToolNotFound
		}

		cmd := exec.CommandContext(ctx, tool, args...)
		var stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if len(stdin) > 0 {
			cmd.Stdin = bytes.NewReader(stdin)
		}
		return cmd.Run()
	})
	return stdout.Bytes(), err
}
