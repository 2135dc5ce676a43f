package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bcnelson/portainer-stack-deployer/internal/config"
	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
	"github.com/bcnelson/portainer-stack-deployer/internal/logging"
	"github.com/bcnelson/portainer-stack-deployer/internal/portainer"
	"github.com/bcnelson/portainer-stack-deployer/internal/service"
	"github.com/bcnelson/portainer-stack-deployer/internal/storage"
	"github.com/bcnelson/portainer-stack-deployer/internal/storage/memory"
	"github.com/bcnelson/portainer-stack-deployer/internal/storage/sql"
)

// Process exit codes.
const (
	exitOK = iota
	exitUnknown
	exitConfig
	exitAuth
	exitDirectory
	exitEndpoint
	exitConflict
	exitValidation
	exitTransport
)

type options struct {
	remove   bool
	redeploy bool
	history  int
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts options
	flags := pflag.NewFlagSet("portainer-deploy", pflag.ContinueOnError)
	flags.BoolVar(&opts.remove, "remove", false, "remove the stack instead of deploying it")
	flags.BoolVar(&opts.redeploy, "redeploy", false, "remove the stack, then deploy it again")
	flags.IntVar(&opts.history, "history", 0, "print the last N recorded deployments of the stack and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	if flags.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", flags.Args())
		return exitConfig
	}
	if opts.remove && opts.redeploy {
		fmt.Fprintln(os.Stderr, "--remove and --redeploy are mutually exclusive")
		return exitConfig
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitConfig
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitConfig
	}
	defer func() { _ = logger.Sync() }()

	// Validate configuration
	needsContent := !opts.remove && opts.history == 0
	if err := cfg.Validate(!needsContent); err != nil {
		for _, e := range multierr.Errors(err) {
			logger.Error("Invalid configuration", zap.Error(e))
		}
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := openStore(cfg)
	if err != nil {
		logger.Error("Failed to initialize storage", zap.Error(err))
		return exitConfig
	}
	defer store.Close()

	if opts.history > 0 {
		return printHistory(ctx, logger, store, cfg.Stack.Name, opts.history)
	}

	desired, err := cfg.DesiredStack()
	if err != nil {
		logger.Error("Invalid stack configuration", zap.Error(err))
		return exitConfig
	}

	logger.Info("Swarm deployment process started",
		zap.String("stack", desired.Name),
		zap.Bool("remove", opts.remove),
		zap.Bool("redeploy", opts.redeploy))

	// Initialize control plane client (or file shim for testing)
	var plane portainer.ControlPlane
	if cfg.UseFileShim() {
		logger.Info("Using file shim for control plane API", zap.String("path", cfg.Portainer.FileShim))
		plane = portainer.NewFileShim(cfg.Portainer.FileShim, cfg.Portainer.EndpointSelector(), logger)
	} else {
		plane, err = connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Failed to connect to control plane", zap.Error(err))
			return exitCode(err)
		}
	}

	svc := service.NewDeployService(plane, store, logger)

	var outcome domain.Outcome
	switch {
	case opts.redeploy:
		outcome, err = svc.Redeploy(ctx, desired)
	default:
		outcome, err = svc.Reconcile(ctx, desired, opts.remove)
	}
	if err != nil {
		logger.Error("Swarm deployment failed", zap.String("stack", desired.Name), zap.Error(err))
		return exitCode(err)
	}

	logger.Info("Swarm deployment process completed",
		zap.String("outcome", string(outcome.Kind)),
		zap.Int("stackId", outcome.StackID),
		zap.String("result", outcome.String()))
	return exitOK
}

func openStore(cfg *config.Config) (storage.Storage, error) {
	if cfg.Database.DSN == "" {
		return memory.New(), nil
	}
	return sql.New(cfg.Database.Driver, cfg.Database.DSN)
}

func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*portainer.Client, error) {
	transport, err := portainer.NewTransport(portainer.Options{
		BaseURL:            cfg.Portainer.URL,
		Timeout:            cfg.Portainer.Timeout,
		CACert:             cfg.Portainer.CACert,
		InsecureSkipVerify: cfg.Portainer.InsecureSkipVerify,
		ReadRetries:        cfg.Portainer.ReadRetries,
		RetryBackoff:       cfg.Portainer.RetryBackoff,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Getting JWT token", zap.String("url", cfg.Portainer.URL))
	session, err := portainer.NewSessionManager(transport, cfg.Portainer.Username, cfg.Portainer.Password).Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if expiry, ok := session.Expiry(); ok {
		logger.Debug("Session established", zap.Time("expiresAt", expiry))
	}

	return portainer.NewClient(transport, session, portainer.ClientOptions{
		Endpoint: cfg.Portainer.EndpointSelector(),
		Prune:    cfg.Stack.Prune,
		Logger:   logger,
	}), nil
}

func printHistory(ctx context.Context, logger *zap.Logger, store storage.Storage, stackName string, limit int) int {
	deployments, err := store.ListDeployments(ctx, stackName, limit)
	if err != nil {
		logger.Error("Failed to list deployments", zap.Error(err))
		return exitUnknown
	}
	if len(deployments) == 0 {
		logger.Info("No recorded deployments", zap.String("stack", stackName))
	}
	for _, d := range deployments {
		fmt.Printf("%s  %-6s  %-7s  endpoint=%d stack=%d  %s\n",
			d.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), d.Action, d.Status, d.EndpointID, d.RemoteStackID, d.Error)
	}
	return exitOK
}

// exitCode maps an error class to a process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, domain.ErrAuth):
		return exitAuth
	case errors.Is(err, domain.ErrAmbiguousStack), errors.Is(err, domain.ErrDirectory):
		return exitDirectory
	case errors.Is(err, domain.ErrEndpointResolution):
		return exitEndpoint
	case errors.Is(err, domain.ErrConflict):
		return exitConflict
	case errors.Is(err, domain.ErrValidation):
		return exitValidation
	case errors.Is(err, domain.ErrTransport), errors.Is(err, domain.ErrNotFound):
		return exitTransport
	default:
		return exitUnknown
	}
}
