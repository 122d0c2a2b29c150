// Persona is a personal-assistant agent that answers questions about its
// owner's professional profile and records recruiter leads.
//
// It exposes a JSON turn API, lead and usage views, and a CLI for
// one-shot questions. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	persona serve               Start the API server
//	persona init [dir]          Initialize a working directory with examples
//	persona ask <question>      Run one turn and print the reply
//	persona leads [limit]       List recorded recruiter leads
//	persona profile <section>   Print one profile section
//	persona version             Print version and build information
//	persona -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/persona-agent/internal/agent"
	"github.com/nugget/persona-agent/internal/api"
	"github.com/nugget/persona-agent/internal/buildinfo"
	"github.com/nugget/persona-agent/internal/config"
	"github.com/nugget/persona-agent/internal/connwatch"
	"github.com/nugget/persona-agent/internal/events"
	"github.com/nugget/persona-agent/internal/leads"
	"github.com/nugget/persona-agent/internal/llm"
	"github.com/nugget/persona-agent/internal/notify"
	"github.com/nugget/persona-agent/internal/profile"
	"github.com/nugget/persona-agent/internal/prompts"
	"github.com/nugget/persona-agent/internal/tools"
	"github.com/nugget/persona-agent/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the whole
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the persona command. Structured logs
// go to stdout; fatal error messages are returned to main. Arguments are
// parsed by hand so run has no package-level flag state and can be
// called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
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

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: persona ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "leads":
		limit := 20
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n < 0 {
				return fmt.Errorf("usage: persona leads [limit]")
			}
			limit = n
		}
		return runLeads(ctx, stdout, configPath, outputFmt, limit)
	case "profile":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: persona profile <section>")
		}
		return runProfile(stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Persona - Professional profile assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: persona [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Start the API server")
	fmt.Fprintln(w, "  init [dir]         Initialize working directory with examples (default: .)")
	fmt.Fprintln(w, "  ask <question>     Run one conversational turn")
	fmt.Fprintln(w, "  leads [limit]      List recorded recruiter leads (default: 20)")
	fmt.Fprintln(w, "  profile <section>  Print one profile section")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/persona/config.yaml, /etc/persona/config.yaml")
	return nil
}

// runAsk runs a single turn against the configured model and prints the
// reply and whether a lead was recorded. Notifications are delivered
// before it returns.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.loop.RunTurn(ctx, agent.Request{
		Message:   strings.Join(args, " "),
		SessionID: "cli",
	})
	a.recorder.Wait()
	if res == nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
	} else {
		fmt.Fprintln(stdout, res.Response)
		if res.LeadLogged {
			fmt.Fprintf(stdout, "\n[lead recorded: %v at %v]\n", res.LeadPayload["company"], res.LeadPayload["timestamp"])
		}
	}
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return nil
}

// runLeads prints the newest recorded leads from the lead database.
func runLeads(ctx context.Context, stdout io.Writer, configPath, outputFmt string, limit int) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Leads.Database == "" {
		return errors.New("leads.database is not configured")
	}
	store, err := openLeadStore(cfg.Leads.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List(ctx, limit)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		if list == nil {
			list = []leads.Lead{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "No leads recorded.")
		return nil
	}
	for _, l := range list {
		fmt.Fprintf(stdout, "%s  %-20s %-20s %-24s %s\n",
			l.Timestamp.Local().Format("2006-01-02 15:04"), l.RecruiterName, l.Company, l.Role, l.Contact)
	}
	return nil
}

// runProfile prints one profile section as indented JSON.
func runProfile(stdout io.Writer, configPath, section string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	v, err := profile.NewStore(cfg.Profile.Path).Section(section)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runServe handles the "persona serve" subcommand. It wires every
// component, starts the API server and background watchers, and blocks
// until SIGINT or SIGTERM. The shutdown sequence is:
//  1. the signal cancels the errgroup context
//  2. the HTTP server drains in-flight turns
//  3. the MQTT session publishes offline and disconnects
//  4. pending lead notifications finish and stores close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Persona", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
		"max_loops", cfg.Agent.MaxLoops,
	)

	if cfg.Tracing.Enabled {
		shutdown, err := setupTracing(stderr)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
		logger.Info("tracing enabled", "exporter", "stdout")
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	backend := connwatch.New(cfg.ProviderFor(cfg.Models.Default), a.llm.Ping, logger,
		connwatch.WithOnChange(func(st connwatch.Status) {
			a.events.Emit(events.SourceBackend, events.KindBackendStatus, map[string]any{
				"service": st.Name,
				"ready":   st.Ready,
				"error":   st.LastError,
			})
		}),
	)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, logger)
	if a.leadStore != nil {
		server.SetLeadStore(a.leadStore)
	}
	server.SetProfile(a.profile)
	server.SetUsageStore(a.usage)
	server.SetEvents(a.events)
	server.SetBackendHealth(backend)
	server.SetShareURL(cfg.Profile.ShareURL)
	server.SetCORSOrigins(cfg.API.CORSOrigins)
	server.SetRateLimit(cfg.API.RateLimit.RequestsPerMinute, cfg.API.RateLimit.Burst)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return backend.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.Profile.Watch {
		g.Go(func() error {
			if err := profile.Watch(gctx, a.profile, logger); err != nil {
				// Reload on demand still works without the watcher.
				logger.Warn("profile watcher stopped", "error", err)
			}
			return nil
		})
	}

	if a.mqtt != nil {
		g.Go(func() error {
			if err := a.mqtt.Run(gctx); err != nil {
				logger.Error("mqtt notifier stopped", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	a.recorder.Wait()
	logger.Info("Persona stopped")
	return nil
}

// app holds the components shared by serve and ask.
type app struct {
	llm       llm.Client
	profile   *profile.Store
	leadStore *leads.SQLiteStore
	recorder  *leads.Recorder
	mqtt      *notify.MQTTNotifier
	usage     *usage.Store
	events    *events.Bus
	loop      *agent.Loop

	closers []io.Closer
}

// newApp opens stores and builds the agent loop from cfg.
func newApp(cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{events: events.New(events.DefaultHistory)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	a.profile = profile.NewStore(cfg.Profile.Path)
	if _, err := a.profile.Section("contact"); err != nil {
		// The agent still answers; profile tools report the problem.
		logger.Warn("profile not loaded", "path", cfg.Profile.Path, "error", err)
	}

	var sinks []leads.Appender
	if cfg.Leads.Database != "" {
		a.leadStore, err = openLeadStore(cfg.Leads.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.leadStore)
		sinks = append(sinks, a.leadStore)
		logger.Info("lead database opened", "path", cfg.Leads.Database)
	}
	if cfg.Leads.CSVPath != "" {
		sinks = append(sinks, leads.NewCSVSink(cfg.Leads.CSVPath))
		logger.Info("lead CSV enabled", "path", cfg.Leads.CSVPath)
	}

	persona := personaName(cfg, a.profile)

	var notifiers notify.Multi
	if cfg.Notify.MQTT.Configured() {
		a.mqtt = notify.NewMQTTNotifier(cfg.Notify.MQTT, logger)
		notifiers = append(notifiers, a.mqtt)
		logger.Info("mqtt lead notifications enabled", "broker", cfg.Notify.MQTT.Broker, "topic", cfg.Notify.MQTT.Topic)
	}
	if cfg.Notify.Email.Configured() {
		notifiers = append(notifiers, notify.NewEmailNotifier(cfg.Notify.Email, persona))
		logger.Info("email lead notifications enabled", "to", cfg.Notify.Email.To)
	}
	var notifier leads.Notifier
	if len(notifiers) > 0 {
		notifier = notifiers
	}
	a.recorder = leads.NewRecorder(logger, notifier, sinks...)

	usagePath := filepath.Join(cfg.DataDir, "usage.db")
	a.usage, err = usage.Open(usagePath)
	if err != nil {
		return nil, fmt.Errorf("open usage database %s: %w", usagePath, err)
	}
	a.closers = append(a.closers, a.usage)

	a.llm = createLLMClient(cfg, logger)

	a.loop = agent.NewLoop(logger, a.llm, tools.NewDispatcher(a.profile, a.recorder), cfg.Models.Default,
		agent.WithSystemPrompt(prompts.SystemPrompt(persona, tools.Definitions())),
		agent.WithMaxLoops(cfg.Agent.MaxLoops),
		agent.WithContextProvider(agent.NewCompositeContextProvider(logger, a.profile)),
		agent.WithUsage(a.usage),
		agent.WithEvents(a.events),
		agent.WithProviderResolver(cfg.ProviderFor),
	)
	return a, nil
}

// Close releases every store newApp opened.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	a.closers = nil
}

// personaName picks the assistant's self-description: the configured
// name, else one derived from the profile owner's name.
func personaName(cfg *config.Config, store *profile.Store) string {
	if cfg.Agent.PersonaName != "" {
		return cfg.Agent.PersonaName
	}
	if name := store.Name(); name != "" {
		return name + "'s personal assistant"
	}
	return ""
}

func openLeadStore(path string) (*leads.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lead directory: %w", err)
	}
	store, err := leads.OpenSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("open lead database %s: %w", path, err)
	}
	return store, nil
}

// setupTracing installs a global tracer provider that writes finished
// spans to w as JSON. The returned function flushes and stops it.
func setupTracing(w io.Writer) (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg. Level and format
// were validated at load time.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used and must exist.
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

// createLLMClient builds a multi-provider client. Each provider is
// wrapped for metrics and tracing; models not explicitly mapped fall
// through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewObservedClient(llm.NewOllamaClient(cfg.Models.OllamaURL, llm.OllamaOptions{
		JSONMode:    cfg.Models.JSONMode,
		Temperature: cfg.Models.Temperature,
	}, logger), "ollama")

	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.Configured() {
		multi.AddProvider("anthropic", llm.NewObservedClient(llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger), "anthropic"))
		logger.Info("Anthropic provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", cfg.ProviderFor(cfg.Models.Default))

	return multi
}
