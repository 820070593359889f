// Package scripts runs the state-script hooks (C8): the Enter/Leave/Error
// actions a device integrator drops into the configured scripts directory,
// named per the regex in spec §3/§6.
package scripts

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/coreos/pkg/capnslog"

	"github.com/coreos/update-agent/internal/pkg/executil"
	"github.com/coreos/update-agent/uerrors"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/update-agent", "scripts")

// Action is the lifecycle point a state's scripts run at.
type Action string

const (
	ActionEnter Action = "Enter"
	ActionLeave Action = "Leave"
	ActionError Action = "Error"
)

// Runner executes state scripts from one directory.
type Runner struct {
	Dir         string
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

// NewRunner builds a Runner with the supplemented retry defaults.
func NewRunner(dir string) *Runner {
	return &Runner{
		Dir:        dir,
		Timeout:    time.Minute,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// CheckVersion enforces spec §4.8: the scripts directory's `version` file,
// if present, must contain "3" (surrounding whitespace is trimmed); a
// missing file is tolerated (legacy); any other content is rejected with a
// CodeParseError error, as there is no separate version-file error code.
func (r *Runner) CheckVersion() error {
	data, err := os.ReadFile(filepath.Join(r.Dir, "version"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return uerrors.Wrap(uerrors.CodeParseError, err, "reading scripts version file")
	}
	if strings.TrimSpace(string(data)) != "3" {
		return uerrors.New(uerrors.CodeParseError, "scripts version file must contain exactly \"3\", got %q", strings.TrimSpace(string(data)))
	}
	return nil
}

// Run executes every script in Dir whose name starts with "<state>_<action>_",
// in lexicographic (hence numeric-prefix) order. A non-zero exit during
// Enter/Leave aborts the run and returns an error; during Error it is
// logged and run continues. Exit code 21 is retried up to MaxRetries times.
func (r *Runner) Run(ctx context.Context, state string, action Action) error {
	names, err := r.matchingScripts(state, action)
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := r.runOne(ctx, name); err != nil {
			if action == ActionError {
				plog.Errorf("%s script %s failed (continuing, in Error action): %v", state, name, err)
				continue
			}
			return err
		}
	}
	return nil
}

func (r *Runner) matchingScripts(state string, action Action) ([]string, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, uerrors.Wrap(uerrors.CodeParseError, err, "reading scripts directory")
	}

	prefix := state + "_" + string(action) + "_"
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (r *Runner) runOne(ctx context.Context, name string) error {
	path := filepath.Join(r.Dir, name)
	backoff := r.RetryDelay

	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		cmd := executil.CommandContext(ctx, path)
		timedOut, err := executil.RunWithGrace(cmd, r.Timeout, 5*time.Second)
		if timedOut {
			return uerrors.New(uerrors.CodeModuleTimeout, "script %s timed out", name)
		}
		if err == nil {
			return nil
		}
		if code, ok := exitCode(err); ok && code == 21 {
			continue
		}
		return uerrors.Wrap(uerrors.CodeModuleFailed, err, "script %s failed", name)
	}
	return uerrors.New(uerrors.CodeModuleFailed, "script %s exhausted retry budget", name)
}

func exitCode(err error) (int, bool) {
	type exitCoder interface{ ExitCode() int }
	if ee, ok := err.(exitCoder); ok {
		return ee.ExitCode(), true
	}
	return 0, false
}
