package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-fabric/internal/auth"
	"github.com/stanstork/stratum-fabric/internal/checkpoint"
	"github.com/stanstork/stratum-fabric/internal/config"
	"github.com/stanstork/stratum-fabric/internal/connector"
	"github.com/stanstork/stratum-fabric/internal/dict"
	"github.com/stanstork/stratum-fabric/internal/odata"
	"github.com/stanstork/stratum-fabric/internal/odatatest"
	"github.com/stanstork/stratum-fabric/internal/pipeline"
	"github.com/stanstork/stratum-fabric/internal/reconcile"
)

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	objects, err := connector.LoadObjectMap()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load object map")
	}

	// Mock mode spins up an in-process endpoint for both systems.
	var mock *odatatest.Server
	if cfg.Mock {
		mock = odatatest.New(odata.DialectV2)
		defer mock.Close()
		cfg.Source.BaseURL = mock.URL()
		cfg.Source.Dialect = "v2"
		cfg.Target.BaseURL = mock.URL()
		cfg.Target.Dialect = "v2"
		logger.Info().Str("url", mock.URL()).Msg("mock endpoint started")
	}

	endpoints := map[connector.System]connector.Endpoint{}
	for system, endpoint := range map[connector.System]config.EndpointConfig{
		connector.SystemSource: cfg.Source,
		connector.SystemTarget: cfg.Target,
	} {
		provider, err := buildAuthProvider(endpoint)
		if err != nil {
			logger.Fatal().Err(err).Str("system", string(system)).Msg("Failed to build auth provider")
		}
		endpoints[system] = connector.Endpoint{
			BaseURL:          endpoint.BaseURL,
			Auth:             provider,
			Timeout:          endpoint.Timeout,
			Retries:          endpoint.Retries,
			BreakerThreshold: endpoint.CircuitBreakerThreshold,
			BreakerReset:     time.Duration(endpoint.CircuitBreakerResetMs) * time.Millisecond,
		}
	}

	factory := connector.NewFactory(endpoints, logger)
	live := connector.NewLive(objects, factory, logger)
	if cfg.Mock {
		live = live.WithDictConn(&dict.MockConn{})
	}

	store, err := checkpoint.NewFileStore(cfg.Orchestrator.CheckpointDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open checkpoint store")
	}

	orchestrator := pipeline.NewOrchestrator(live, live, store, logger)

	// Cancel the run on SIGINT/SIGTERM; the orchestrator checkpoints and
	// returns at the next phase boundary.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	modules := cfg.Orchestrator.Modules
	if len(modules) == 0 {
		modules = objects.IDs()
	}

	result, err := orchestrator.Run(ctx, pipeline.RunConfig{
		Objects:    modules,
		BatchSize:  cfg.Orchestrator.BatchSize,
		MaxRecords: cfg.Orchestrator.MaxRecords,
		CutoffDate: cfg.Orchestrator.CutoffDate,
		FailFast:   cfg.Orchestrator.FailFast,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Migration run failed")
	}

	logger.Info().
		Str("run_id", result.RunID).
		Str("status", string(result.Status)).
		Int("total", result.Total).
		Int("completed", result.Completed).
		Int("failed", result.Failed).
		Msg("migration run finished")

	// Reconcile captured extract/transform record sets.
	engine := reconcile.NewEngine(reconcile.Tolerances{
		Amount:     cfg.Reconciliation.AmountTolerance,
		Count:      cfg.Reconciliation.CountTolerance,
		Percentage: cfg.Reconciliation.PercentageTolerance,
		Overrides:  cfg.Reconciliation.Overrides,
	}, logger)

	var pairs []reconcile.ObjectRecords
	for _, obj := range result.Objects {
		pairs = append(pairs, reconcile.ObjectRecords{
			ObjectID: obj.ObjectID,
			Source:   obj.Phases.Extract.Records,
			Target:   obj.Phases.Transform.Records,
		})
	}
	for _, report := range engine.ReconcileAll(pairs) {
		logger.Info().
			Str("object", report.ObjectID).
			Str("status", report.Summary.Status).
			Int("checks", report.Summary.Total).
			Int("failed", report.Summary.Failed).
			Msg("reconciliation report")
	}

	if result.Status == pipeline.StatusFailed {
		os.Exit(1)
	}
}

func buildAuthProvider(endpoint config.EndpointConfig) (auth.Provider, error) {
	switch endpoint.AuthType {
	case "basic":
		return auth.Basic{Username: endpoint.Username, Password: endpoint.Password}, nil
	case "client_credentials":
		return &auth.ClientCredentials{
			TokenURL:     endpoint.TokenURL,
			ClientID:     endpoint.ClientID,
			ClientSecret: endpoint.ClientSecret,
			Scope:        endpoint.Scope,
		}, nil
	case "assertion":
		keyPEM, err := os.ReadFile(endpoint.KeyFile)
		if err != nil {
			return nil, err
		}
		privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
		if err != nil {
			return nil, err
		}
		return &auth.AssertionBearer{
			TokenURL:   endpoint.TokenURL,
			ClientID:   endpoint.ClientID,
			CompanyID:  endpoint.CompanyID,
			Subject:    endpoint.Username,
			Audience:   endpoint.BaseURL,
			PrivateKey: privateKey,
		}, nil
	case "mtls":
		certificate, err := tls.LoadX509KeyPair(endpoint.CertFile, endpoint.KeyFile)
		if err != nil {
			return nil, err
		}
		return auth.MTLS{Certificate: certificate}, nil
	default:
		return auth.None{}, nil
	}
}
