package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/stephnangue/grantor/auth"
	"github.com/stephnangue/grantor/clients"
	"github.com/stephnangue/grantor/config"
	"github.com/stephnangue/grantor/directory"
	"github.com/stephnangue/grantor/grant"
	grantorhttp "github.com/stephnangue/grantor/http"
	"github.com/stephnangue/grantor/listener"
	"github.com/stephnangue/grantor/listener/api"
	log "github.com/stephnangue/grantor/logger"
	"github.com/stephnangue/grantor/physical"
	fileStorage "github.com/stephnangue/grantor/physical/file"
	inmemStorage "github.com/stephnangue/grantor/physical/inmem"
	"github.com/stephnangue/grantor/token"
)

const (
	subsystemCore     = "core"
	subsystemListener = "listener"

	listenerTypeTCP  = "tcp"
	listenerTypeUnix = "unix"
)

var (
	configPath string

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "This command starts a Grantor server that responds to API requests",
		Long: `
Usage: grantor server [options]

  This command starts a Grantor server that responds to API requests.
  Start a server with a configuration file:

      $ grantor server --config=/etc/grantor/config.hcl
  `,
		RunE: run,
	}

	wg sync.WaitGroup

	cleanupGuard sync.Once

	storageBackends = map[string]physical.Factory{
		"inmem": inmemStorage.NewInmem,
		"file":  fileStorage.NewFileBackend,
	}
)

func init() {
	ServerCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/grantor.hcl)")
}

func run(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("config file path is required. Use -c or --config flag")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", configPath)
	}

	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := buildLogger(conf)

	storage, err := buildStorage(conf, logger)
	if err != nil {
		return fmt.Errorf("failed to construct the storage: %w", err)
	}

	infoKeys := make([]string, 0, 10)
	info := make(map[string]string)
	info["log level"] = conf.LogLevel
	infoKeys = append(infoKeys, "log level")
	info["log format"] = conf.LogFormat
	infoKeys = append(infoKeys, "log format")
	info["storage"] = conf.Storage.Type
	infoKeys = append(infoKeys, "storage")

	dir, err := buildDirectory(conf, logger)
	if err != nil {
		return fmt.Errorf("failed to construct the directory client: %w", err)
	}
	info["directory"] = conf.Directory.Address
	infoKeys = append(infoKeys, "directory")

	verifier := auth.NewVerifier(dir, logger)

	store, err := token.NewStore(storage, verifier, logger, buildStoreConfig(conf))
	if err != nil {
		return fmt.Errorf("failed to construct the token store: %w", err)
	}
	defer store.Close()

	registry := clients.NewRegistry(storage, logger)
	if err := bootstrapClients(cmd.Context(), conf, registry); err != nil {
		return fmt.Errorf("failed to bootstrap clients: %w", err)
	}
	info["bootstrapped clients"] = fmt.Sprintf("%d", len(conf.Clients))
	infoKeys = append(infoKeys, "bootstrapped clients")

	granter := grant.NewCompositeGranter(logger)
	granter.Register(grant.NewPasswordGranter(verifier, logger))
	granter.Register(grant.NewRefreshTokenGranter(store, logger))

	httpHandler := grantorhttp.Handler(&grantorhttp.HandlerProperties{
		Store:   store,
		Clients: registry,
		Granter: granter,
		Logger:  logger,
	})

	lns, err := initListeners(httpHandler, conf, logger, &infoKeys, &info)
	if err != nil {
		return err
	}

	var shutdownErrs []error
	var shutdownErrsMu sync.Mutex

	listenerCloseFunc := func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Stopping all listeners\n")
		for _, ln := range lns {
			if err := ln.Stop(); err != nil {
				shutdownErrsMu.Lock()
				shutdownErrs = append(shutdownErrs, fmt.Errorf("failed to stop %s listener at %s: %w", ln.Type(), ln.Addr(), err))
				shutdownErrsMu.Unlock()
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Listener stopped successfully: type=%s, address=%s\n", ln.Type(), ln.Addr())
			}
		}
	}

	// Listeners are stopped exactly once, whether via defer on error or
	// explicitly before shutdown.
	defer cleanupGuard.Do(listenerCloseFunc)

	sort.Strings(infoKeys)
	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Grantor server configuration:\n\n")

	titleCaser := cases.Title(language.English, cases.NoLower)

	for _, k := range infoKeys {
		fmt.Fprintf(cmd.OutOrStdout(), "%24s: %s\n", titleCaser.String(k), info[k])
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	errChan := make(chan error, len(lns))
	var listenerErrs []error
	var listenerErrsMu sync.Mutex
	totalListeners := len(lns)

	for _, ln := range lns {
		wg.Go(func() {
			if err := ln.Start(ctx); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "failed to start listener: %v\n", err)
				errChan <- err
			}
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Grantor server started! Log data will stream in below:\n")

	shutdownTriggered := false

	for !shutdownTriggered {
		select {
		case err := <-errChan:
			listenerErrsMu.Lock()
			listenerErrs = append(listenerErrs, err)
			failedCount := len(listenerErrs)
			listenerErrsMu.Unlock()

			fmt.Fprintf(cmd.OutOrStdout(), "Listener error occurred: failed_count=%d, total_listeners=%d\n", failedCount, totalListeners)

			// Only trigger shutdown if ALL listeners have failed
			if failedCount >= totalListeners {
				fmt.Fprintf(cmd.OutOrStdout(), "All listeners have failed, triggering shutdown: failed_count=%d\n", failedCount)
				shutdownTriggered = true
				cancel()
			}
		case <-ctx.Done():
			fmt.Fprintf(cmd.OutOrStdout(), "Grantor shutdown triggered\n")
			shutdownTriggered = true
			cancel()
		}
	}

	// Stop the listeners so that we don't process further client requests
	cleanupGuard.Do(listenerCloseFunc)

	wg.Wait()

	close(errChan)
	for err := range errChan {
		listenerErrsMu.Lock()
		listenerErrs = append(listenerErrs, err)
		listenerErrsMu.Unlock()
	}

	if len(listenerErrs) > 0 {
		aggregatedErr := errors.Join(listenerErrs...)
		fmt.Fprintf(cmd.OutOrStdout(), "Listener errors occurred during runtime: %v, error_count=%d\n", aggregatedErr, len(listenerErrs))
	}

	if len(shutdownErrs) > 0 {
		aggregatedShutdownErr := errors.Join(shutdownErrs...)
		fmt.Fprintf(cmd.OutOrStdout(), "Shutdown completed with errors: %v, error_count=%d\n", aggregatedShutdownErr, len(shutdownErrs))
		return aggregatedShutdownErr
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Server shutdown completed successfully\n")
	return nil
}

func buildLogger(conf *config.Config) log.Logger {
	logConfig := &log.Config{
		Level:     log.ParseLogLevel(conf.LogLevel),
		Subsystem: subsystemCore,
		Format:    log.ParseOutputFormat(conf.LogFormat),
		Outputs:   []io.Writer{os.Stdout},
	}

	if conf.LogFile != "" {
		logConfig.FileConfig = &log.FileConfig{
			Filename:   conf.LogFile,
			MaxSize:    conf.LogRotateMegabytes,
			MaxAge:     conf.LogRotationPeriod,
			MaxBackups: conf.LogRotateMaxFiles,
		}
	}

	return log.NewZerologLogger(logConfig)
}

func buildStorage(conf *config.Config, logger log.Logger) (physical.Storage, error) {
	if conf.Storage == nil {
		return nil, errors.New("a storage backend must be specified")
	}

	factory, exists := storageBackends[conf.Storage.Type]
	if !exists {
		return nil, fmt.Errorf("unknown storage type %s", conf.Storage.Type)
	}

	storage, err := factory(conf.Storage.Config(), logger.WithSubsystem("storage."+conf.Storage.Type))
	if err != nil {
		return nil, fmt.Errorf("error initializing storage of type %s: %w", conf.Storage.Type, err)
	}

	return storage, nil
}

func buildDirectory(conf *config.Config, logger log.Logger) (*directory.Client, error) {
	if conf.Directory == nil {
		return nil, errors.New("a directory block must be specified")
	}

	timeout, err := conf.Directory.TimeoutDuration()
	if err != nil {
		return nil, err
	}

	return directory.NewClient(&directory.Config{
		Address:    conf.Directory.Address,
		Timeout:    timeout,
		MaxRetries: conf.Directory.MaxRetries,
		Logger:     logger,
	})
}

func buildStoreConfig(conf *config.Config) *token.StoreConfig {
	storeConfig := token.DefaultStoreConfig()
	if conf.TokenStore == nil {
		return storeConfig
	}

	storeConfig.CacheEnabled = !conf.TokenStore.CacheDisabled
	storeConfig.EnableMetrics = !conf.TokenStore.MetricsDisabled
	if conf.TokenStore.CacheMaxCost > 0 {
		storeConfig.CacheMaxCost = conf.TokenStore.CacheMaxCost
	}
	return storeConfig
}

func bootstrapClients(ctx context.Context, conf *config.Config, registry *clients.Registry) error {
	seeds := make([]clients.BootstrapClient, 0, len(conf.Clients))
	for _, block := range conf.Clients {
		seeds = append(seeds, clients.BootstrapClient{
			ClientID:             block.ClientID,
			Secret:               block.Secret,
			GrantTypes:           block.GrantTypes,
			Scopes:               block.Scopes,
			AccessTokenValidity:  block.AccessTokenValidity,
			RefreshTokenValidity: block.RefreshTokenValidity,
		})
	}
	return registry.Bootstrap(ctx, seeds)
}

func initListeners(httpHandler http.Handler, conf *config.Config, logger log.Logger, infoKeys *[]string, info *map[string]string) ([]listener.Listener, error) {
	lns := make([]listener.Listener, 0, len(conf.Listeners))

	for _, lnConfig := range conf.Listeners {
		switch lnConfig.Protocol {
		case listenerTypeTCP, listenerTypeUnix:
			ln, err := api.NewApiListener(api.ApiListenerConfig{
				Logger:      logger.WithSubsystem(subsystemListener),
				Address:     lnConfig.Address,
				TLSCertFile: lnConfig.TLSCertFile,
				TLSKeyFile:  lnConfig.TLSKeyFile,
				TLSEnabled:  lnConfig.TLSEnabled,
			}, httpHandler)
			if err != nil {
				return nil, fmt.Errorf("error initializing listener of type %s: %s", lnConfig.Protocol, err)
			}
			lns = append(lns, ln)

			key := fmt.Sprintf("listener %s", lnConfig.Name)
			(*info)[key] = fmt.Sprintf("%s (%s)", lnConfig.Address, lnConfig.Protocol)
			*infoKeys = append(*infoKeys, key)
		default:
			return nil, fmt.Errorf("unknown listener protocol %q", lnConfig.Protocol)
		}
	}

	if len(lns) == 0 {
		return nil, errors.New("at least one listener must be configured")
	}

	return lns, nil
}
