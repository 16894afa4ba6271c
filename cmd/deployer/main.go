package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"chain-deployer/internal/config"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// 构建时通过 ldflags 注入。
	version = "dev"
	commit  = "unknown"
)

// main 是 deployer 的入口，不带参数运行即部署默认合约。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(os.Stdout, os.Stderr, os.LookupEnv)
	if err := app.RunContext(ctx, os.Args); err != nil {
		os.Exit(exitCode(err, os.Stderr))
	}
}

func exitCode(err error, stderr io.Writer) int {
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		if msg := coder.Error(); msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		return coder.ExitCode()
	}
	fmt.Fprintf(stderr, "deployer: %v\n", err)
	return 1
}

func newApp(stdout, stderr io.Writer, lookup config.LookupFunc) *cli.App {
	return &cli.App{
		Name:      "deployer",
		Usage:     "Deploy a compiled smart contract to an EVM network",
		Version:   fmt.Sprintf("%s (commit: %s)", version, commit),
		Writer:    stdout,
		ErrWriter: stderr,
		Flags:     globalFlags(),
		Before: func(c *cli.Context) error {
			return loadEnvFile(c.String("env-file"))
		},
		Action: func(c *cli.Context) error {
			return deployAction(c, lookup)
		},
		Commands: []*cli.Command{
			historyCommand(),
		},
		// 退出码统一由 main 处理。
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Optional YAML file with network profiles, ledger and announce settings",
			EnvVars: []string{"DEPLOY_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "env-file",
			Usage:   "dotenv file loaded before reading the environment",
			Value:   ".env",
			EnvVars: []string{"DEPLOY_ENV_FILE"},
		},
		&cli.StringFlag{
			Name:    "network",
			Usage:   "Network profile to deploy to",
			Value:   "sepolia",
			EnvVars: []string{"DEPLOY_NETWORK"},
		},
		&cli.StringFlag{
			Name:    "contract",
			Usage:   "Name of the compiled contract artifact",
			Value:   "VotingSystem",
			EnvVars: []string{"DEPLOY_CONTRACT"},
		},
		&cli.StringFlag{
			Name:    "artifacts",
			Usage:   "Directory containing Hardhat or Foundry artifacts",
			Value:   "artifacts",
			EnvVars: []string{"DEPLOY_ARTIFACTS"},
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Usage:   "How long to wait for the creation transaction to be confirmed",
			EnvVars: []string{"DEPLOY_TIMEOUT"},
		},
		&cli.Uint64Flag{
			Name:    "confirmations",
			Usage:   "Number of blocks required on top of the inclusion block, counting it",
			EnvVars: []string{"DEPLOY_CONFIRMATIONS"},
		},
		&cli.Uint64Flag{
			Name:    "gas-limit",
			Usage:   "Fixed gas limit for the creation transaction; 0 estimates it",
			EnvVars: []string{"DEPLOY_GAS_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "debug, info, warn or error",
			EnvVars: []string{"DEPLOY_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "text or json",
			EnvVars: []string{"DEPLOY_LOG_FORMAT"},
		},
		&cli.StringFlag{
			Name:    "metrics-file",
			Usage:   "Write Prometheus metrics to this file (node_exporter textfile collector)",
			EnvVars: []string{"DEPLOY_METRICS_FILE"},
		},
	}
}

// loadEnvFile 与 dotenv 的行为一致：文件不存在时忽略，已存在的环境变量不会被覆盖。
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadConfig 读取配置文件并应用命令行覆盖项。
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("network") || c.String("config") == "" {
		cfg.Network = c.String("network")
	}
	if c.IsSet("contract") || c.String("config") == "" {
		cfg.Deploy.Contract = c.String("contract")
	}
	if c.IsSet("artifacts") || c.String("config") == "" {
		cfg.Deploy.ArtifactsDir = c.String("artifacts")
	}
	if c.IsSet("timeout") {
		cfg.Deploy.Timeout = c.Duration("timeout")
	}
	if c.IsSet("confirmations") {
		cfg.Deploy.Confirmations = c.Uint64("confirmations")
	}
	if c.IsSet("gas-limit") {
		cfg.Deploy.GasLimit = c.Uint64("gas-limit")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	if c.IsSet("metrics-file") {
		cfg.Metrics.TextfilePath = c.String("metrics-file")
	}
	return cfg, nil
}
