package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/hostgateway/gateway"
	"github.com/guseggert/hostgateway/gateway/command"
	"github.com/guseggert/hostgateway/gateway/host"
	"github.com/guseggert/hostgateway/gateway/monitor"
	"github.com/guseggert/hostgateway/gateway/security"
	"github.com/guseggert/hostgateway/internal/audit"
	"github.com/guseggert/hostgateway/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "hostgateway",
		Usage: "a gateway for running diagnostics and commands on this host over HTTP and WebSockets",
		Commands: []*cli.Command{
			serveCommand,
			certsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the gateway",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a YAML or TOML config file. Defaults to the nearest " + config.FileName + ".",
		},
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on.",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "One of [debug,info,warn,error].",
		},
		&cli.StringFlag{
			Name:  "platform",
			Usage: "Override the detected platform.",
		},
		&cli.StringFlag{
			Name:  "security-mode",
			Usage: "How commands are matched against allow-lists. One of [argv,prefix].",
		},
		&cli.BoolFlag{
			Name:  "terminal-allow-all",
			Usage: "Let channel clients run any command that passes the danger rules.",
		},
		&cli.StringFlag{
			Name:  "audit-db",
			Usage: "SQLite database to record executed commands in.",
		},
	},
	Action: func(ctx *cli.Context) error {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		cfg, cfgPath, err := config.Load(ctx.String("config"), wd)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		applyFlags(ctx, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		level, err := zapcore.ParseLevel(cfg.Level())
		if err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}
		logger, err := newLogger(level)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()
		sugar := logger.Sugar()
		if cfgPath != "" {
			sugar.Infow("loaded config", "Path", cfgPath)
		}

		g, cleanup, err := buildGateway(cfg, logger, level)
		if err != nil {
			return err
		}
		defer cleanup()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			sugar.Infow("shutting down", "Signal", sig)
			if err := g.Stop(); err != nil {
				sugar.Debugf("error stopping gateway: %s", err)
			}
		}()

		return g.Run()
	},
}

func applyFlags(ctx *cli.Context, cfg *config.Config) {
	if ctx.IsSet("listen-addr") {
		cfg.ListenAddr = ctx.String("listen-addr")
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("platform") {
		cfg.Platform = ctx.String("platform")
	}
	if ctx.IsSet("security-mode") {
		cfg.Security.Mode = ctx.String("security-mode")
	}
	if ctx.IsSet("terminal-allow-all") {
		cfg.Security.TerminalAllowAll = ctx.Bool("terminal-allow-all")
	}
	if ctx.IsSet("audit-db") {
		cfg.Audit.Database = ctx.String("audit-db")
	}
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// buildGateway wires the engine, audit log, security gates, monitor and host services into a gateway.
func buildGateway(cfg *config.Config, logger *zap.Logger, level zapcore.Level) (*gateway.Gateway, func(), error) {
	log := logger.Sugar()
	cleanup := func() {}

	timeout, _ := cfg.Timeout()
	queueTimeout, _ := cfg.QueueTimeout()
	maxOutput, _ := cfg.MaxOutput()
	interval, _ := cfg.MonitorInterval()

	var runner command.Runner = command.NewEngine(
		command.WithLogger(log.Named("engine")),
		command.WithTimeout(timeout),
		command.WithMaxOutput(maxOutput),
		command.WithMaxConcurrent(cfg.MaxConcurrent()),
		command.WithQueueTimeout(queueTimeout),
	)

	var (
		gwOpts  []gateway.Option
		monOpts []monitor.ManagerOption
	)
	if cfg.Audit.Database != "" {
		store, err := audit.OpenSQLite(cfg.Audit.Database)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { store.Close() }
		runner = &audit.Runner{Next: runner, Store: store, Log: log.Named("audit")}
		gwOpts = append(gwOpts, gateway.WithHistory(store))
		monOpts = append(monOpts, monitor.WithRecorder(&audit.SessionRecorder{Store: store, Log: log.Named("audit")}))
	}

	mode, err := security.ParseMode(cfg.Security.Mode)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	rules := security.DefaultRules()
	if cfg.Security.RulesFile != "" {
		rules, err = security.LoadRules(cfg.Security.RulesFile)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("loading danger rules: %w", err)
		}
	}
	gateOpts := []security.Option{
		security.WithLogger(log.Named("security")),
		security.WithMode(mode),
		security.WithRules(rules),
	}
	if len(cfg.Security.AllowedCommands) > 0 {
		gateOpts = append(gateOpts, security.WithAllowed(cfg.Security.AllowedCommands))
	}
	gate, err := security.NewGate(runner, gateOpts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	terminal, err := security.NewGate(runner, append(gateOpts, security.WithAllowAll(cfg.Security.TerminalAllowAll))...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	hostOpts := []host.Option{
		host.WithLogger(log.Named("host")),
		host.WithTerminalGate(terminal),
	}
	if cfg.Platform != "" {
		hostOpts = append(hostOpts, host.WithPlatform(cfg.Platform))
	}
	if cfg.RequiredPlatform != "" {
		hostOpts = append(hostOpts, host.WithRequiredPlatform(cfg.RequiredPlatform))
	}
	mon := monitor.NewManager(log.Named("monitor"), cfg.MaxSessions(), monOpts...)
	services := host.New(runner, gate, mon, hostOpts...)

	gwOpts = append(gwOpts,
		gateway.WithLogger(logger),
		gateway.WithLogLevel(level),
		gateway.WithListenAddr(cfg.Addr()),
		gateway.WithMonitorInterval(interval),
	)
	if cfg.TLS.Enabled() {
		ca, cert, key, err := gateway.ReadPEMFiles(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		gwOpts = append(gwOpts, gateway.WithTLS(ca, cert, key))
	}

	g, err := gateway.New(services, gwOpts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	storeCleanup := cleanup
	return g, func() {
		mon.StopAll()
		storeCleanup()
	}, nil
}

var certsCommand = &cli.Command{
	Name:  "certs",
	Usage: "generate a CA and a server and client certificate for mTLS",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "dir",
			Usage: "Directory to write the PEM files to.",
			Value: "certs",
		},
		&cli.DurationFlag{
			Name:  "validity",
			Usage: "How long the certificates are valid.",
			Value: 365 * 24 * time.Hour,
		},
	},
	Action: func(ctx *cli.Context) error {
		certs, err := gateway.GenerateCerts(ctx.Duration("validity"))
		if err != nil {
			return fmt.Errorf("generating certs: %w", err)
		}
		dir := ctx.String("dir")
		if err := certs.WriteFiles(dir); err != nil {
			return err
		}
		fmt.Printf("wrote certificates to %s\n", dir)
		return nil
	},
}
