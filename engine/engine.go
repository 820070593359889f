package engine

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coreos/update-agent/modinvoke"
	"github.com/coreos/update-agent/store"
)

// Config bundles the engine's external dependencies and tunables, the
// realization of spec §6's config surface plus SPEC_FULL.md's supplemented
// retry budget.
type Config struct {
	DeviceType string
	Datastore  string
	ScriptsDir string
	ModuleDirs []string
	LockPath   string

	BrokenArtifactSuffix string
	RebootBlockTimeout   time.Duration
	Retry                modinvoke.RetryPolicy
}

// DefaultConfig fills in the supplemented defaults named in SPEC_FULL.md §4.
func DefaultConfig() Config {
	return Config{
		BrokenArtifactSuffix: "-broken",
		RebootBlockTimeout:   10 * time.Minute,
		Retry:                modinvoke.DefaultRetryPolicy,
	}
}

// workDir returns the prescribed per-payload work directory root from
// spec §6: <datastore>/modules/v3/payloads/<index>/.
func (c Config) workDir(payloadIndex int) string {
	return filepath.Join(c.Datastore, "modules", "v3", "payloads", fmt.Sprintf("%d", payloadIndex))
}

// Engine drives the update state machine (C9), dispatching to the depends
// resolver, per-payload installers, the state-script runner, and the
// persistent store.
type Engine struct {
	Config   Config
	Store    *store.Store
	Resolver InstallerResolver
	Reboot   Rebooter

	log *logrus.Entry
}

// New builds an Engine. resolver picks the Installer per payload type;
// reboot performs the actual host reboot when a module requests Automatic.
func New(cfg Config, st *store.Store, resolver InstallerResolver, reboot Rebooter) *Engine {
	return &Engine{
		Config:   cfg,
		Store:    st,
		Resolver: resolver,
		Reboot:   reboot,
		log:      logrus.WithField("component", "engine"),
	}
}

// currentProvides snapshots the provides table as a plain string map, the
// shape depends.Check and modinvoke.BuildWorkDir both expect.
func (e *Engine) currentProvides() (map[string]string, error) {
	raw, err := e.Store.List(store.TableProvides)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = string(v)
	}
	return out, nil
}
