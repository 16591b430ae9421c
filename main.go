package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"go2tv.app/station-remote/internal/buildinfo"
	"go2tv.app/station-remote/internal/config"
	"go2tv.app/station-remote/internal/credstore"
	"go2tv.app/station-remote/internal/diagnostics"
	"go2tv.app/station-remote/internal/lifecycle"
	"go2tv.app/station-remote/internal/logging"
	"go2tv.app/station-remote/internal/quasar"
	"go2tv.app/station-remote/internal/session"
)

type selfTestOutput struct {
	Client struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"client"`
	Config struct {
		Path            string `json:"path,omitempty"`
		CredentialsPath string `json:"credentials_path"`
	} `json:"config"`
	Environment diagnostics.EnvironmentReport `json:"environment"`
}

// app carries the services shared by all subcommands.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	store   *credstore.FileStore
	session *session.Manager
	quasar  *quasar.Client
}

func main() {
	runCtx, stopSignals := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stopSignals()

	if err := newRootCommand().ExecuteContext(runCtx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath  string
		logLevel    string
		selfTest    bool
		showVersion bool
		a           = &app{}
	)

	root := &cobra.Command{
		Use:           "stationctl",
		Short:         "Control smart speakers on the local network",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				return nil
			}
			return a.init(configPath, logLevel)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case showVersion:
				fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Version)
				return nil
			case selfTest:
				return a.selfTest(cmd)
			default:
				return cmd.Help()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config (default $"+config.EnvConfig+" or ~/.config/stationctl/config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
	root.Flags().BoolVar(&selfTest, "self-test", false, "print environment diagnostics as JSON and exit")
	root.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	root.AddCommand(
		newLoginCommand(a),
		newLogoutCommand(a),
		newSpeakersCommand(a),
		newDiscoverCommand(a),
		newControlCommand(a),
	)
	return root
}

func (a *app) init(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	a.cfg = cfg
	a.logger = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	a.store = credstore.NewFileStore(cfg.Credentials.Path)

	sc := cfg.SessionConfig()
	sc.Logger = a.logger
	mgr, err := session.NewManager(sc, a.store)
	if err != nil {
		return err
	}
	a.session = mgr
	a.quasar = quasar.NewClient(mgr, cfg.QuasarEndpoints(), a.logger)

	a.logger.Debug().
		Str("version", buildinfo.Version).
		Str("config", cfg.Path).
		Str("log_level", cfg.Log.Level).
		Msg("stationctl_start")
	return nil
}

func (a *app) selfTest(cmd *cobra.Command) error {
	var out selfTestOutput
	out.Client.Name = "stationctl"
	out.Client.Version = buildinfo.Version
	out.Config.Path = a.cfg.Path
	out.Config.CredentialsPath = a.store.Path()
	out.Environment = diagnostics.DetectEnvironment(a.store)

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
