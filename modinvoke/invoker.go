package modinvoke

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/coreos/pkg/capnslog"

	"github.com/coreos/update-agent/internal/pkg/executil"
	"github.com/coreos/update-agent/uerrors"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/update-agent", "modinvoke")

// State names the module lifecycle points the engine invokes a module at,
// per spec §6.
type State string

const (
	StateDownload               State = "Download"
	StateArtifactInstall        State = "ArtifactInstall"
	StateArtifactReboot         State = "ArtifactReboot"
	StateArtifactCommit         State = "ArtifactCommit"
	StateArtifactRollback       State = "ArtifactRollback"
	StateArtifactRollbackReboot State = "ArtifactRollbackReboot"
	StateArtifactFailure        State = "ArtifactFailure"
	StateCleanup                State = "Cleanup"
	StateNeedsArtifactReboot    State = "NeedsArtifactReboot"
	StateSupportsRollback       State = "SupportsRollback"
)

// Tristate is the Yes/No/Automatic vocabulary both query states answer in.
type Tristate string

const (
	TristateYes       Tristate = "Yes"
	TristateNo        Tristate = "No"
	TristateAutomatic Tristate = "Automatic"
)

// RetryPolicy bounds how many times the invoker re-runs a module call that
// exits 21 ("retry"), per spec §4.6. Backoff is exponential starting at
// InitialBackoff, capped at Timeout.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// DefaultRetryPolicy matches the supplemented default named in SPEC_FULL.md.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, InitialBackoff: time.Second}

// Module is one discovered Update Module binary.
type Module struct {
	PayloadType string
	Path        string
	Timeout     time.Duration
	Grace       time.Duration
	Retry       RetryPolicy
}

// Discover finds the module executable for payloadType under moduleDirs,
// the first directory in the search list that contains a file named
// payloadType wins.
func Discover(moduleDirs []string, payloadType string) (*Module, error) {
	for _, dir := range moduleDirs {
		candidate := filepath.Join(dir, payloadType)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return &Module{
				PayloadType: payloadType,
				Path:        candidate,
				Timeout:     time.Minute,
				Grace:       10 * time.Second,
				Retry:       DefaultRetryPolicy,
			}, nil
		}
	}
	return nil, uerrors.New(uerrors.CodeModuleFailed, "no module found for payload type %q", payloadType)
}

// Invoke runs the module at state against workDir, enforcing the timeout,
// retry budget, and exit-code contract from spec §4.6. For the two query
// states (NeedsArtifactReboot, SupportsRollback) it returns the module's
// single line of stdout; for every other state the output is ignored and ""
// is returned.
func (m *Module) Invoke(ctx context.Context, state State, workDir string) (string, error) {
	backoff := m.Retry.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= m.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			plog.Infof("module %s retrying state %s (attempt %d) after exit code 21", m.PayloadType, state, attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
			if backoff > m.Timeout {
				backoff = m.Timeout
			}
		}

		out, retry, err := m.invokeOnce(ctx, state, workDir)
		if !retry {
			return out, err
		}
		lastErr = err
	}

	return "", uerrors.Wrap(uerrors.CodeModuleFailed, lastErr, "module %s exhausted retry budget at state %s", m.PayloadType, state)
}

func (m *Module) invokeOnce(ctx context.Context, state State, workDir string) (out string, retry bool, err error) {
	cmd := executil.CommandContext(ctx, m.Path, string(state), workDir)
	cmd.Dir = workDir

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	timedOut, runErr := executil.RunWithGrace(cmd, m.Timeout, m.Grace)
	if timedOut {
		return "", false, uerrors.New(uerrors.CodeModuleTimeout, "module %s timed out at state %s", m.PayloadType, state)
	}

	if runErr != nil {
		if code, ok := exitCode(runErr); ok {
			if code == 21 {
				return "", true, uerrors.New(uerrors.CodeModuleFailed, "module %s requested retry at state %s", m.PayloadType, state)
			}
			return "", false, uerrors.New(uerrors.CodeModuleFailed, "module %s exited %d at state %s", m.PayloadType, code, state)
		}
		return "", false, uerrors.Wrap(uerrors.CodeModuleFailed, runErr, "running module %s at state %s", m.PayloadType, state)
	}

	if state != StateNeedsArtifactReboot && state != StateSupportsRollback {
		return "", false, nil
	}
	line, err := singleLine(stdout.Bytes())
	if err != nil {
		return "", false, err
	}
	return line, false, nil
}

// singleLine enforces the stdout protocol: most states ignore output, but
// this helper is only called for states the caller will validate further;
// more than one line is a protocol violation (a missing trailing newline is
// accepted).
func singleLine(out []byte) (string, error) {
	trimmed := bytes.TrimRight(out, "\n")
	if len(trimmed) == 0 {
		return "", nil
	}
	if bytes.Contains(trimmed, []byte("\n")) {
		return "", uerrors.New(uerrors.CodeProtocolError, "module produced more than one line of output")
	}
	return string(trimmed), nil
}

// ParseTristate validates a query state's single line of stdout against
// the Yes|No|Automatic vocabulary.
func ParseTristate(line string) (Tristate, error) {
	switch Tristate(line) {
	case TristateYes, TristateNo, TristateAutomatic:
		return Tristate(line), nil
	default:
		return "", uerrors.New(uerrors.CodeProtocolError, "unexpected tristate output %q", line)
	}
}

func exitCode(err error) (int, bool) {
	type exitCoder interface{ ExitCode() int }
	if ee, ok := err.(exitCoder); ok {
		return ee.ExitCode(), true
	}
	return 0, false
}
