// Vesper is a personal autonomous agent.
//
// It converses over a web chat, MQTT, and email, remembers what it
// learns in a SQLite memory store, and acts through a registry of
// capabilities. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	vesper serve             Start the agent and its channels
//	vesper ask <question>    Ask a single question (for testing)
//	vesper version           Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vesperhq/vesper/internal/agent"
	"github.com/vesperhq/vesper/internal/buildinfo"
	"github.com/vesperhq/vesper/internal/capability"
	emailchan "github.com/vesperhq/vesper/internal/channel/email"
	mqttchan "github.com/vesperhq/vesper/internal/channel/mqtt"
	webchan "github.com/vesperhq/vesper/internal/channel/web"
	"github.com/vesperhq/vesper/internal/config"
	"github.com/vesperhq/vesper/internal/connwatch"
	"github.com/vesperhq/vesper/internal/fetch"
	"github.com/vesperhq/vesper/internal/forge"
	"github.com/vesperhq/vesper/internal/httpkit"
	"github.com/vesperhq/vesper/internal/memory"
	"github.com/vesperhq/vesper/internal/opstate"
	"github.com/vesperhq/vesper/internal/prompts"
	"github.com/vesperhq/vesper/internal/reasoning"
	"github.com/vesperhq/vesper/internal/scheduler"
	"github.com/vesperhq/vesper/internal/usage"
)

// main constructs the OS-level environment and delegates to [run],
// keeping os.Exit and os.Args out of the application logic so the
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on
// package-level globals, which makes it impossible to call run()
// concurrently from tests, and the argument surface here is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: vesper ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		for k, v := range buildinfo.Info() {
			fmt.Fprintf(stdout, "  %-12s %s\n", k+":", v)
		}
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Vesper - Personal Autonomous Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: vesper [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the agent and its channels")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file, returning
// the config and the path it was loaded from.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// app holds the composed agent: everything runServe and runAsk share.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *memory.Store
	opStore  *opstate.Store
	registry *capability.Registry
	engine   *reasoning.Engine
	loop     *agent.Loop
	sched    *scheduler.Scheduler
	connMgr  *connwatch.Manager
	closers  []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown cleanup failed", "error", err)
		}
	}
}

// buildApp wires stores, reasoning, capabilities, and the agent loop.
// withScheduler controls whether scheduled jobs are armed; the ask
// subcommand runs without them.
func buildApp(ctx context.Context, stdout io.Writer, configPath string, withScheduler bool) (*app, error) {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath)

	a := &app{cfg: cfg, logger: logger}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	// One SQLite file holds conversation memory, scheduled jobs, usage
	// records, and operational state.
	db, err := memory.OpenDB(dataDir + "/vesper.db")
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	store, err := memory.NewStore(db, logger)
	if err != nil {
		return nil, err
	}
	a.store = store

	usageStore, err := usage.NewStore(db)
	if err != nil {
		return nil, err
	}

	opStore, err := opstate.NewStore(db)
	if err != nil {
		return nil, err
	}
	a.opStore = opStore

	// Reasoning: a multi-provider client behind tier routing.
	ollamaURL := cfg.Models.OllamaURL
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	ollamaClient := reasoning.NewOllamaClient(ollamaURL)
	multi := reasoning.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	providers := map[string]string{}
	if cfg.Anthropic.APIKey != "" {
		anthropicClient := reasoning.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		multi.AddProvider("anthropic", anthropicClient)
		logger.Info("anthropic provider configured")
	}
	for _, m := range []config.ModelConfig{cfg.Models.Fast, cfg.Models.Capable, cfg.Models.Fallback} {
		if m.Name == "" {
			continue
		}
		multi.AddModel(m.Name, m.Provider)
		providers[m.Name] = m.Provider
	}

	engine := reasoning.NewEngine(multi, reasoning.NewRouter(logger), reasoning.ModelSet{
		Fast:     cfg.Models.Fast.Name,
		Capable:  cfg.Models.Capable.Name,
		Fallback: cfg.Models.Fallback.Name,
	}, logger)
	a.engine = engine

	// Background health monitoring feeds the ambient status line in
	// every turn's context.
	connMgr := connwatch.NewManager(logger)
	a.connMgr = connMgr
	a.closers = append(a.closers, func() error { connMgr.Stop(); return nil })
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "reasoning",
		Probe:   func(pCtx context.Context) error { return engine.Ping(pCtx) },
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})

	identity := prompts.BaseIdentity()
	if cfg.IdentityFile != "" {
		data, err := os.ReadFile(cfg.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("read identity file: %w", err)
		}
		identity = string(data)
		logger.Info("identity loaded", "path", cfg.IdentityFile)
	}

	builder := agent.NewBuilder(store, identity, cfg.Agent.MaxFacts, cfg.Agent.HistoryWindow, healthLine(connMgr), logger)

	registry := capability.NewRegistry(logger)
	a.registry = registry

	if err := capability.NewMemoryTools(store).Register(registry); err != nil {
		return nil, err
	}
	if err := capability.RegisterWebFetch(registry, fetch.New()); err != nil {
		return nil, err
	}
	if cfg.Workspace.Path != "" {
		if err := capability.NewFiles(cfg.Workspace.Path, cfg.Workspace.ReadOnlyDirs).Register(registry); err != nil {
			return nil, err
		}
		if err := capability.NewBlog(cfg.Workspace.Path).Register(registry); err != nil {
			return nil, err
		}
	}
	if cfg.ShellExec.Enabled {
		shellCfg := capability.DefaultShellExecConfig()
		shellCfg.Enabled = true
		shellCfg.WorkingDir = cfg.ShellExec.WorkingDir
		shellCfg.AllowedPrefixes = cfg.ShellExec.AllowedPrefixes
		if len(cfg.ShellExec.DeniedPatterns) > 0 {
			shellCfg.DeniedPatterns = append(shellCfg.DeniedPatterns, cfg.ShellExec.DeniedPatterns...)
		}
		if cfg.ShellExec.DefaultTimeoutSec > 0 {
			shellCfg.DefaultTimeout = time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second
		}
		if err := capability.NewShellExec(shellCfg).Register(registry); err != nil {
			return nil, err
		}
		logger.Warn("shell execution enabled", "working_dir", shellCfg.WorkingDir)
	}
	if cfg.GitHub.Token != "" {
		gh, err := forge.NewGitHub(httpkit.NewClient(), cfg.GitHub.Token, "", logger)
		if err != nil {
			return nil, err
		}
		if err := capability.RegisterForge(registry, gh, cfg.GitHub.Repo); err != nil {
			return nil, err
		}
	}

	// The scheduler's executor needs the loop and the loop's registry
	// carries the scheduling capabilities, so the loop pointer is
	// forward-declared and filled in below.
	if withScheduler {
		schedStore, err := scheduler.NewStore(db)
		if err != nil {
			return nil, err
		}
		sched := scheduler.New(schedStore, newJobExecutor(a, logger), logger)
		a.sched = sched
		if err := capability.NewScheduleTools(sched).Register(registry); err != nil {
			return nil, err
		}
	}

	extractor := memory.NewExtractor(store, newExtractFunc(engine, logger), logger)
	compactor := memory.NewCompactor(store, &engineSummarizer{engine: engine}, memory.DefaultCompactionConfig(), logger)

	loopCfg := agent.DefaultConfig()
	if cfg.Agent.MaxRounds > 0 {
		loopCfg.MaxRounds = cfg.Agent.MaxRounds
	}
	loopCfg.TurnTimeout = cfg.Agent.TurnTimeout()

	loop := agent.NewLoop(store, registry, engine, builder, extractor, compactor, loopCfg, logger)
	loop.OnUsage(newUsageRecorder(usageStore, providers, cfg.Models.Pricing, logger))
	a.loop = loop

	logger.Info("agent assembled", "capabilities", len(registry.Definitions()))
	return a, nil
}

// runServe starts the agent, its scheduler, and all configured
// channels, then blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, stdout, configPath, true)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger
	logger.Info("starting vesper", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer a.sched.Stop()

	var wg sync.WaitGroup
	errs := make(chan error, 3)

	addr := net.JoinHostPort(a.cfg.Listen.Address, fmt.Sprintf("%d", a.cfg.Listen.Port))
	web := webchan.NewServer(addr, a.loop, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := web.Start(ctx); err != nil {
			errs <- fmt.Errorf("web channel: %w", err)
		}
	}()

	if a.cfg.MQTT.Enabled {
		mq := mqttchan.New(mqttchan.Config{
			Broker:     a.cfg.MQTT.Broker,
			Username:   a.cfg.MQTT.Username,
			Password:   a.cfg.MQTT.Password,
			DeviceName: a.cfg.MQTT.TopicPrefix,
		}, a.loop, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mq.Start(ctx); err != nil {
				errs <- fmt.Errorf("mqtt channel: %w", err)
			}
		}()
	}

	if a.cfg.Email.Enabled {
		emailCfg := emailConfigFrom(a.cfg.Email)
		client := emailchan.NewClient(emailCfg.IMAP, logger)
		a.closers = append(a.closers, client.Close)
		poller := emailchan.NewPoller(emailCfg, client, a.loop, a.opStore, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := poller.Start(ctx); err != nil {
				errs <- fmt.Errorf("email channel: %w", err)
			}
		}()
	}

	// Block until a channel dies or a signal arrives. A failed channel
	// takes the process down; the supervisor restarts it.
	var runErr error
	select {
	case runErr = <-errs:
		stop()
	case <-ctx.Done():
	}
	wg.Wait()

	logger.Info("vesper stopped")
	return runErr
}

// runAsk boots the agent without channels or scheduler and processes a
// single question against the persistent memory store.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	a, err := buildApp(ctx, stdout, configPath, false)
	if err != nil {
		return err
	}
	defer a.close()

	question := strings.Join(args, " ")
	result, err := a.loop.HandleTurn(ctx, &agent.Turn{Channel: "cli", Text: question}, nil)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, result.Text)

	// A one-shot question is its own conversation; close the session
	// so the next ask starts fresh.
	if err := a.store.EndSession(ctx, result.SessionID, question); err != nil {
		a.logger.Warn("end session", "session", result.SessionID, "error", err)
	}
	return nil
}

// emailConfigFrom maps the YAML email section to the channel's config.
// TLS true means IMAP over TLS and implicit-TLS SMTP; false means a
// plaintext IMAP dial and STARTTLS submission.
func emailConfigFrom(c config.EmailConfig) emailchan.Config {
	return emailchan.Config{
		Address:        c.Address,
		AllowedSenders: c.AllowedSenders,
		PollInterval:   time.Duration(c.PollIntervalSec) * time.Second,
		IMAP: emailchan.IMAPConfig{
			Host:     c.IMAPHost,
			Port:     c.IMAPPort,
			Username: c.Username,
			Password: c.Password,
			TLS:      c.TLS,
		},
		SMTP: emailchan.SMTPConfig{
			Host:     c.SMTPHost,
			Port:     c.SMTPPort,
			Username: c.Username,
			Password: c.Password,
			StartTLS: !c.TLS,
		},
	}
}
