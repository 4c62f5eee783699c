// Command zora boots one orchestration-core process: it loads
// config.toml/policy.toml/routines, constructs the configured Provider
// adapters, boots the Orchestrator, and serves the HTTP/SSE dashboard API
// until interrupted. Flag parsing, logger setup, and the
// signal-channel/waitgroup shutdown sequence are adapted directly from
// example/cmd/assistant/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"goa.design/clue/log"

	"github.com/ryaker/zora/internal/circuitbreaker"
	"github.com/ryaker/zora/internal/config"
	"github.com/ryaker/zora/internal/httpapi"
	"github.com/ryaker/zora/internal/orchestrator"
	"github.com/ryaker/zora/internal/policy"
	"github.com/ryaker/zora/internal/provider"
	"github.com/ryaker/zora/internal/provider/anthropic"
	"github.com/ryaker/zora/internal/provider/bedrock"
	"github.com/ryaker/zora/internal/provider/openai"
	"github.com/ryaker/zora/internal/telemetry"
)

func main() {
	var (
		baseDir  = flag.String("base-dir", "./data", "base directory for sessions, memory, policy, and queue state")
		httpAddr = flag.String("http-addr", ":8089", "HTTP listen address for the dashboard API")
		logfmt   = flag.String("logfmt", "text", "log format: text or json")
		debugf   = flag.Bool("debug", false, "log debug messages")
		identity = flag.String("identity", "zora", "identity text placed at the top of every task's system prompt")
	)
	flag.Parse()

	format := log.FormatJSON
	if *logfmt == "text" {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debugf {
		ctx = log.Context(ctx, log.WithDebug())
	}
	logger := telemetry.NewClueLogger()

	if err := run(ctx, logger, *baseDir, *httpAddr, *identity); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger telemetry.Logger, baseDir, httpAddr, identity string) error {
	appCfg, err := config.LoadConfig(filepath.Join(baseDir, "config.toml"))
	if err != nil {
		return fmt.Errorf("zora: load config.toml: %w", err)
	}
	if appCfg.BaseDir != "" {
		baseDir = appCfg.BaseDir
	}
	polCfg, err := config.LoadPolicy(filepath.Join(baseDir, "policy.toml"))
	if err != nil {
		return fmt.Errorf("zora: load policy.toml: %w", err)
	}
	routines, err := config.LoadRoutines(filepath.Join(baseDir, "routines"))
	if err != nil {
		return fmt.Errorf("zora: load routines: %w", err)
	}

	breakers := circuitbreaker.NewRegistry(5, 30*time.Second, nil)
	providers, err := buildProviders(ctx, appCfg.Providers, breakers)
	if err != nil {
		return fmt.Errorf("zora: build providers: %w", err)
	}

	orch, err := orchestrator.Boot(ctx, orchestrator.Config{
		BaseDir:      baseDir,
		Policy:       polCfg,
		PolicyPath:   filepath.Join(baseDir, "policy.toml"),
		App:          appCfg,
		Providers:    providers,
		Routines:     routines,
		Logger:       logger,
		Metrics:      telemetry.NewClueMetrics(),
		Breakers:     breakers,
		Identity:     identity,
		FlagCallback: denyFlaggedActions(logger),
	})
	if err != nil {
		return fmt.Errorf("zora: boot orchestrator: %w", err)
	}

	api := httpapi.New(orch, logger, http.NotFoundHandler())
	srv := &http.Server{Addr: httpAddr, Handler: api.Handler()}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("signal: %s", <-c)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info(ctx, "zora: http server listening", "addr", httpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	cause := <-errc
	logger.Info(ctx, "zora: shutting down", "reason", cause.Error())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	orch.Shutdown(shutdownCtx)

	wg.Wait()
	return nil
}

// denyFlaggedActions is the fail-safe default FlagCallback: without a real
// human-in-the-loop channel wired in (a dashboard approve/deny button,
// out of scope here), every flagged action is denied rather than silently
// approved.
func denyFlaggedActions(logger telemetry.Logger) policy.FlagCallback {
	return func(ctx context.Context, category, detail string) policy.FlagDecision {
		logger.Warn(ctx, "policy: flagged action denied, no approval channel configured", "category", category, "detail", detail)
		return policy.FlagDecision{Approved: false, Reason: "no approval channel configured"}
	}
}

// buildProviders constructs one concrete Provider adapter per enabled
// [[provider]] entry in config.toml, matching on the well-known provider
// names this core ships adapters for (spec.md §4.6's "pluggable backend"
// set). API credentials come from the environment, following the
// teacher's own convention of reading *_API_KEY at process start rather
// than storing secrets in config.toml.
func buildProviders(ctx context.Context, entries []config.ProviderConfig, breakers *circuitbreaker.Registry) ([]provider.Provider, error) {
	var out []provider.Provider
	for _, p := range entries {
		if !p.Enabled {
			continue
		}
		switch p.Name {
		case "anthropic":
			apiKey := os.Getenv("ANTHROPIC_API_KEY")
			if apiKey == "" {
				return nil, fmt.Errorf("zora: ANTHROPIC_API_KEY not set for enabled provider %q", p.Name)
			}
			out = append(out, anthropic.NewFromAPIKey(apiKey, anthropic.Options{
				Name: p.Name, Model: p.Model, Capabilities: p.Capabilities,
				CostTier: p.CostTier, Rank: p.Rank, MaxTokens: 8192, Breakers: breakers,
			}))
		case "openai":
			apiKey := os.Getenv("OPENAI_API_KEY")
			if apiKey == "" {
				return nil, fmt.Errorf("zora: OPENAI_API_KEY not set for enabled provider %q", p.Name)
			}
			out = append(out, openai.NewFromAPIKey(apiKey, openai.Options{
				Name: p.Name, Model: p.Model, Capabilities: p.Capabilities,
				CostTier: p.CostTier, Rank: p.Rank, MaxTokens: 8192, Breakers: breakers,
			}))
		case "bedrock":
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("zora: load AWS config for bedrock: %w", err)
			}
			rt := bedrockruntime.NewFromConfig(awsCfg)
			out = append(out, bedrock.New(rt, bedrock.Options{
				Name: p.Name, ModelID: p.Model, Capabilities: p.Capabilities,
				CostTier: p.CostTier, Rank: p.Rank, MaxTokens: 8192, Breakers: breakers,
			}))
		default:
			return nil, fmt.Errorf("zora: unknown provider adapter %q", p.Name)
		}
	}
	return out, nil
}
