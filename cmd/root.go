package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"credman/internal/authflow"
	"credman/internal/classify"
	"credman/internal/config"
	"credman/internal/credstore"
	"credman/internal/manager"
	"credman/internal/provider"
	"credman/internal/refresh"
	"credman/internal/scope"
	"credman/pkg/logging"
)

// Exit codes for scripting. They distinguish "re-run with a human
// present" from "retry later" from "fix your config".
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeAuthRequired indicates the user has to authorize again.
	ExitCodeAuthRequired = 1
	// ExitCodeTransient indicates a retryable failure such as a network
	// error or provider rate limiting.
	ExitCodeTransient = 2
	// ExitCodeMisconfigured indicates broken configuration that no
	// retry will fix.
	ExitCodeMisconfigured = 3
)

var (
	cfgFile   string
	logLevel  string
	quiet     bool
	loadedCfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "credman",
	Short: "Manage CLI credentials for OAuth providers",
	Long: `credman obtains, stores, and renews access credentials for
command-line and headless tools. It runs the browser-based flow when a
browser is available, falls back to the device flow otherwise, and
keeps stored credentials fresh so repeated commands never re-prompt.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		logging.Init(cfg.LogLevel, os.Stderr)
		loadedCfg = cfg
		return nil
	},
}

// SetVersion sets the version shown by --version. Called from main
// with the build-time value.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI and exits with a semantic exit code.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "credman version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps an error to the documented exit codes.
func getExitCode(err error) int {
	var authRequired *manager.AuthRequiredError
	if errors.As(err, &authRequired) {
		return ExitCodeAuthRequired
	}

	var classified classify.Classified
	if errors.As(err, &classified) {
		if classified.Kind == classify.KindMisconfigured {
			return ExitCodeMisconfigured
		}
		switch classified.Kind.Policy() {
		case classify.RetryBackoff:
			return ExitCodeTransient
		case classify.RetryReauth:
			return ExitCodeAuthRequired
		}
	}
	return ExitCodeAuthRequired
}

// app is the wired object graph behind every subcommand.
type app struct {
	cfg       *config.Config
	store     credstore.Store
	scheduler *refresh.Scheduler
	manager   *manager.Manager
}

func (a *app) close() {
	a.scheduler.Close()
}

// resolveEndpoints prefers configured endpoints, then the endpoints
// remembered with the subject's stored record, and runs metadata
// discovery only when neither knows the token endpoint. Repeated
// `token` or `status` invocations therefore touch the network only to
// renew.
func resolveEndpoints(ctx context.Context, cfg *config.Config, store credstore.Store) (provider.Endpoints, error) {
	endpoints := provider.Endpoints{
		Authorization:       cfg.Provider.AuthorizationEndpoint,
		Token:               cfg.Provider.TokenEndpoint,
		DeviceAuthorization: cfg.Provider.DeviceEndpoint,
	}
	if endpoints.Token == "" {
		if record, err := store.Load(cfg.Subject); err == nil {
			endpoints.Token = record.Hints.TokenEndpoint
			if endpoints.Authorization == "" {
				endpoints.Authorization = record.Hints.AuthorizationEndpoint
			}
			if endpoints.DeviceAuthorization == "" {
				endpoints.DeviceAuthorization = record.Hints.DeviceEndpoint
			}
		}
	}
	if endpoints.Token == "" {
		discovered, err := provider.Discover(ctx, nil, cfg.Provider.Issuer)
		if err != nil {
			return provider.Endpoints{}, classify.Classify(err)
		}
		if endpoints.Authorization == "" {
			endpoints.Authorization = discovered.Authorization
		}
		endpoints.Token = discovered.Token
		if endpoints.DeviceAuthorization == "" {
			endpoints.DeviceAuthorization = discovered.DeviceAuthorization
		}
	}
	return endpoints, nil
}

// buildApp validates config, resolves provider endpoints, and wires
// the store, scheduler, coordinator, and facade.
func buildApp(ctx context.Context) (*app, error) {
	cfg := loadedCfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := credstore.Open(credstore.Config{
		Backend: cfg.Store.Backend,
		Dir:     cfg.Store.Dir,
		Service: cfg.Store.Service,
	})
	if err != nil {
		return nil, err
	}

	endpoints, err := resolveEndpoints(ctx, cfg, store)
	if err != nil {
		return nil, err
	}

	client := provider.NewClient(cfg.Provider.ClientID, endpoints, nil)
	scheduler := refresh.NewScheduler(refresh.Config{
		Store:       store,
		Client:      client,
		Skew:        cfg.Refresh.Skew,
		RetryBudget: cfg.Refresh.RetryBudget,
		RetryBase:   cfg.Refresh.RetryBase,
		RetryCap:    cfg.Refresh.RetryCap,
	})
	scheduler.WatchStore(ctx)

	coordinator := authflow.New(authflow.Config{
		Client:                client,
		ClientID:              cfg.Provider.ClientID,
		AuthorizationEndpoint: endpoints.Authorization,
		GrantTTL:              cfg.Flow.GrantTTL,
		ForceDevice:           cfg.Flow.ForceDevice,
		NoBrowser:             cfg.Flow.NoBrowser,
	})

	m := manager.New(manager.Options{
		SubjectID:   cfg.Subject,
		Store:       store,
		Scheduler:   scheduler,
		Coordinator: coordinator,
		Scopes:      scope.NewManager(cfg.Flow.Incremental),
		Hints: credstore.Hints{
			Issuer:                cfg.Provider.Issuer,
			AuthorizationEndpoint: endpoints.Authorization,
			TokenEndpoint:         endpoints.Token,
			DeviceEndpoint:        endpoints.DeviceAuthorization,
		},
	})

	return &app{cfg: cfg, store: store, scheduler: scheduler, manager: m}, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $HOME/.config/credman/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"suppress progress output")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newReauthCmd())
	rootCmd.AddCommand(newLogoutCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newTokenCmd())
}
