// Command update-agent is the device-side CLI and daemon entrypoint for the
// state machine in package engine: show-artifact, show-provides, install,
// commit, rollback, daemon, and version, wired exactly as spec.md §6
// prescribes one verb per invocation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"

	"github.com/coreos/update-agent/config"
	"github.com/coreos/update-agent/engine"
	"github.com/coreos/update-agent/modinvoke"
	"github.com/coreos/update-agent/rootfs"
	"github.com/coreos/update-agent/store"
	"github.com/coreos/update-agent/uerrors"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	plog = capnslog.NewPackageLogger("github.com/coreos/update-agent", "cmd")

	logLevel   = capnslog.NOTICE
	logDebug   bool
	logVerbose bool
	configPath string

	root = &cobra.Command{
		Use:   "update-agent",
		Short: "Device-side update agent",
	}
)

func main() {
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to config.yaml")
	root.PersistentFlags().Var(&logLevel, "log-level", "Set global log level.")
	root.PersistentFlags().BoolVarP(&logVerbose, "verbose", "v", false, "Alias for --log-level=INFO")
	root.PersistentFlags().BoolVarP(&logDebug, "debug", "d", false, "Alias for --log-level=DEBUG")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		startLogging(cmd)
	}

	root.AddCommand(
		versionCmd(),
		showArtifactCmd(),
		showProvidesCmd(),
		installCmd(),
		commitCmd(),
		rollbackCmd(),
		daemonCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func startLogging(cmd *cobra.Command) {
	switch {
	case logDebug:
		logLevel = capnslog.DEBUG
	case logVerbose:
		logLevel = capnslog.INFO
	}
	capnslog.SetFormatter(capnslog.NewStringFormatter(cmd.OutOrStderr()))
	capnslog.SetGlobalLogLevel(logLevel)
}

// exitCodeFor maps an error to spec.md §6's exit-code table: 0 success
// (handled by cobra's nil-error path), 1 generic failure, 2 no-update, 4
// reboot-required (only surfaced when the caller asked for it).
func exitCodeFor(err error) int {
	switch {
	case uerrors.Is(err, uerrors.CodeNoUpdateInProgress):
		return 2
	case uerrors.Is(err, uerrors.CodeRebootRequired):
		return 4
	default:
		return 1
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "update-agent version %s\n", version)
		},
	}
}

// buildEngine loads the config, opens the store, and assembles an Engine
// with the built-in rootfs installer and Update Module discovery wired in.
func buildEngine() (*engine.Engine, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.DatastorePath + "/update-agent.db")
	if err != nil {
		return nil, nil, err
	}

	ecfg := engine.DefaultConfig()
	ecfg.DeviceType = cfg.DeviceType
	ecfg.Datastore = cfg.DatastorePath
	ecfg.ScriptsDir = cfg.DatastorePath + "/scripts"
	ecfg.ModuleDirs = cfg.ModuleDirs
	ecfg.LockPath = cfg.DatastorePath + "/update-agent.lock"
	ecfg.Retry.MaxRetries = cfg.Retry.MaxAttempts

	boot := &rootfs.GrubEnvBootEnvironment{
		EnvFile: "/boot/grub2/grubenv",
		Devices: map[string]string{}, // populated by the deployment's device mapping, out of scope here
	}
	resolver := &engine.BuiltinAndModuleResolver{
		ModuleDirs:        cfg.ModuleDirs,
		Builtin:           rootfs.New(boot),
		BuiltinType:       "rootfs-image",
		ModuleRetryPolicy: modinvoke.RetryPolicy{MaxRetries: cfg.Retry.MaxAttempts, InitialBackoff: modinvoke.DefaultRetryPolicy.InitialBackoff},
	}

	e := engine.New(ecfg, st, resolver, engine.Login1Rebooter{})
	return e, st, nil
}

func showArtifactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-artifact",
		Short: "Print the current artifact name",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := buildEngine()
			if err != nil {
				return err
			}
			defer st.Close()

			name, err := st.Read(store.TableProvides, "artifact_name")
			if err == store.ErrNotFound {
				fmt.Fprintln(cmd.OutOrStdout(), "Unknown")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(name))
			return nil
		},
	}
}

func showProvidesCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show-provides",
		Short: "Print every key in the provides store",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := buildEngine()
			if err != nil {
				return err
			}
			defer st.Close()

			provides, err := st.List(store.TableProvides)
			if err != nil {
				return err
			}
			return writeProvides(cmd, provides, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "plain", "Output format: plain or json")
	return cmd
}

func installCmd() *cobra.Command {
	var rebootExitCode bool
	cmd := &cobra.Command{
		Use:   "install <path>",
		Short: "Install an artifact through ArtifactInstall",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, cleanup, err := openArtifact(args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			e, st, err := buildEngine()
			if err != nil {
				return err
			}
			defer st.Close()

			err = e.InstallArtifact(context.Background(), parsed)
			if err != nil && uerrors.Is(err, uerrors.CodeRebootRequired) && !rebootExitCode {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&rebootExitCode, "reboot-exit-code", false, "Exit 4 when a reboot is required instead of exit 0")
	return cmd
}

func commitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit",
		Short: "Advance an uncommitted install to ArtifactCommit",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, st, err := buildEngine()
			if err != nil {
				return err
			}
			defer st.Close()
			return e.Commit(context.Background())
		},
	}
}

func rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Revert an uncommitted install",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, st, err := buildEngine()
			if err != nil {
				return err
			}
			defer st.Close()
			return e.Rollback(context.Background())
		},
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the state machine indefinitely against a remote server",
		Long: "The daemon subcommand resumes any crash-interrupted update, then " +
			"blocks. Polling the configured server_url for new artifacts is an " +
			"HTTP-client concern spec.md places out of scope; wire a poller that " +
			"calls engine.InstallArtifact when one is available.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, st, err := buildEngine()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := e.CheckResume(context.Background()); err != nil {
				plog.Errorf("resume check failed: %v", err)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			plog.Info("received shutdown signal, exiting")
			return nil
		},
	}
}
