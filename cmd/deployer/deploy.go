package main

import (
	"context"
	"log/slog"

	"chain-deployer/internal/artifact"
	"chain-deployer/internal/config"
	"chain-deployer/internal/deploy"
	xerrors "chain-deployer/internal/errors"
	"chain-deployer/internal/notify"
	"chain-deployer/internal/observability/metrics"
	"chain-deployer/internal/report"
	"chain-deployer/internal/storage/ledger"
	"chain-deployer/internal/web3"
	"chain-deployer/internal/web3/ethereum"
	"chain-deployer/pkg/logger"

	"github.com/urfave/cli/v2"
)

func deployAction(c *cli.Context, lookup config.LookupFunc) error {
	ctx := c.Context
	reporter := report.NewWriter(c.App.Writer)

	cfg, err := loadConfig(c)
	if err != nil {
		reason := xerrors.ReasonOf(xerrors.Wrap(xerrors.CodeConfiguration, err, "load config"))
		reporter.Line("Deployment failed: %s", reason)
		return cli.Exit("", 1)
	}

	logs, err := logger.New(logger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Outputs: cfg.Log.Outputs,
		Audit:   logger.AuditConfig{Path: cfg.Log.AuditPath},
	})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer logs.Close()
	log := logger.Named(logs.Logger, "deployer")

	registry := loadArtifacts(cfg.Deploy.ArtifactsDir, log)

	repo, err := ledger.Open(ctx, cfg.Ledger, cfg.Runtime.DataDir)
	if err != nil {
		log.Warn("deployment ledger disabled", slog.String("driver", cfg.Ledger.Driver), slog.Any("error", err))
		repo = nil
	}
	if repo != nil {
		defer repo.Close()
	}

	announcer, err := notify.Open(ctx, cfg.Announce)
	if err != nil {
		log.Warn("deployment announcements disabled", slog.Any("error", err))
	}
	if announcer != nil {
		defer announcer.Close()
	}

	m := metrics.New()
	opts := []deploy.Option{
		deploy.WithReporter(reporter),
		deploy.WithLogger(logger.Named(logs.Logger, "orchestrator")),
		deploy.WithAuditLogger(logs.Audit),
		deploy.WithMetrics(m),
		deploy.WithWaitOptions(web3.WaitOptions{
			Timeout:       cfg.Deploy.Timeout,
			Confirmations: cfg.Deploy.Confirmations,
			PollInterval:  cfg.Deploy.PollInterval,
		}),
	}
	if repo != nil {
		opts = append(opts, deploy.WithLedger(repo))
	}
	if announcer != nil {
		opts = append(opts, deploy.WithAnnouncer(announcer))
	}
	orchestrator := deploy.New(opts...)

	sessionOpts := []ethereum.Option{ethereum.WithLogger(logger.Named(logs.Logger, "session"))}
	if cfg.Deploy.GasLimit > 0 {
		sessionOpts = append(sessionOpts, ethereum.WithGasLimit(cfg.Deploy.GasLimit))
	}
	opener := func(ctx context.Context, nc config.NetworkConfig) (web3.Session, error) {
		session, err := ethereum.Open(ctx, nc, registry, sessionOpts...)
		if err != nil {
			return nil, err
		}
		return session, nil
	}

	network, err := cfg.ResolveNetwork(cfg.Network, lookup)
	if err != nil {
		resolveErr := err
		network = config.NetworkConfig{Name: cfg.Network}
		opener = func(context.Context, config.NetworkConfig) (web3.Session, error) { return nil, resolveErr }
	}
	log.Info("starting deployment", slog.String("network", network.Name), slog.String("contract", cfg.Deploy.Contract), slog.Bool("signer", network.HasSigner()))

	result := orchestrator.Run(ctx, opener, network, cfg.Deploy.Contract)

	if err := m.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
		log.Warn("metrics not written", slog.Any("error", err))
	}
	if code := deploy.ExitCode(result); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

// loadArtifacts 加载失败时返回一个总是报告该错误的 Source，让失败在部署阶段被归类。
func loadArtifacts(dir string, log *slog.Logger) artifact.Source {
	registry, err := artifact.LoadDir(dir)
	if err != nil {
		log.Warn("artifacts unavailable", slog.String("dir", dir), slog.Any("error", err))
		return artifact.Unavailable(err)
	}
	if broken := registry.Broken(); len(broken) > 0 {
		log.Warn("skipped unusable artifacts", slog.String("dir", dir), slog.Any("contracts", broken))
	}
	log.Debug("artifacts loaded", slog.String("dir", dir), slog.Any("contracts", registry.Names()))
	return registry
}
