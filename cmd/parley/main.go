package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	"github.com/parley-dev/parley/aacp/ledger"
	redisledger "github.com/parley-dev/parley/aacp/ledger/redis"
	aacpsession "github.com/parley-dev/parley/aacp/session"
	"github.com/parley-dev/parley/config"
	mongomemory "github.com/parley-dev/parley/features/memory/mongo"
	clientsmongo "github.com/parley-dev/parley/features/memory/mongo/clients/mongo"
	"github.com/parley-dev/parley/mcpserver"
	"github.com/parley-dev/parley/mcpserver/tools"
	"github.com/parley-dev/parley/runtime/coordinator"
	"github.com/parley-dev/parley/runtime/executor"
	"github.com/parley-dev/parley/runtime/ident"
	"github.com/parley-dev/parley/runtime/memory"
	"github.com/parley-dev/parley/runtime/resources"
	"github.com/parley-dev/parley/runtime/session"
	"github.com/parley-dev/parley/runtime/telemetry"
	"github.com/parley-dev/parley/runtime/toolregistry"
)

func main() {
	// Define command line flags, add any other flag required to configure the
	// service.
	var (
		configF  = flag.String("config", "", "Path to the YAML configuration file (optional)")
		redisF   = flag.String("redis", "", "Redis address for the AACP ledger (default: in-memory)")
		mongoF   = flag.String("mongo-uri", "", "Mongo URI for the message summary store (default: in-memory)")
		mongoDBF = flag.String("mongo-db", "parley", "Mongo database holding message summaries")
		dbgF     = flag.Bool("debug", false, "Log bootstrap debug messages")
	)
	flag.Parse()

	// Setup bootstrap logger. Protocol diagnostics go through the runtime's
	// own structured logger on stderr; clue covers the wiring phase.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	level, err := telemetry.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}

	diag := telemetry.New(telemetry.Options{
		Writer:     os.Stderr,
		Level:      level,
		RedactKeys: redactKeys(cfg),
	})
	ids := ident.NewProduction()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Reliability backends: Redis-backed ledger and Mongo-backed summaries
	// when configured, in-process fallbacks otherwise.
	var led ledger.Ledger
	if *redisF != "" {
		client := goredis.NewClient(&goredis.Options{Addr: *redisF})
		rl, err := redisledger.New(redisledger.Options{
			Client:     client,
			DefaultTTL: cfg.DefaultTTL(),
		})
		if err != nil {
			log.Fatalf(ctx, err, "redis ledger setup failed")
		}
		if err := rl.Ping(ctx); err != nil {
			log.Fatalf(ctx, err, "redis %s is unreachable", *redisF)
		}
		led = rl
		log.Print(ctx, log.KV{K: "ledger", V: "redis"}, log.KV{K: "addr", V: *redisF})
	} else {
		led = ledger.NewMemory(ledger.MemoryOptions{DefaultTTL: cfg.DefaultTTL()})
		log.Print(ctx, log.KV{K: "ledger", V: "memory"})
	}

	var summaries memory.Store
	if *mongoF != "" {
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(*mongoF))
		connectCancel()
		if err != nil {
			log.Fatalf(ctx, err, "mongo %s is unreachable", *mongoF)
		}
		store, err := mongomemory.NewStoreFromMongo(clientsmongo.Options{
			Client:   client,
			Database: *mongoDBF,
		})
		if err != nil {
			log.Fatalf(ctx, err, "mongo summary store setup failed")
		}
		summaries = store
		log.Print(ctx, log.KV{K: "summaries", V: "mongo"}, log.KV{K: "db", V: *mongoDBF})
	} else {
		summaries = memory.NewInMemory(256)
		log.Print(ctx, log.KV{K: "summaries", V: "memory"})
	}

	// Initialize the runtime.
	reg := toolregistry.New(diag)
	res := resources.NewManager(resources.Config{
		MaxConcurrentExecutions: cfg.Resources.MaxConcurrentExecutions,
		MaxPayloadBytes:         cfg.Tools.MaxPayloadBytes,
	})
	res.StartSampling(ctx, time.Second)

	exec := executor.New(executor.Options{
		Registry:       reg,
		Resources:      res,
		IDs:            ids,
		Logger:         diag,
		Metrics:        telemetry.NewMetrics(),
		Tracer:         telemetry.NewTracer(),
		DefaultTimeout: cfg.DefaultTimeout(),
	})
	coord := coordinator.New(coordinator.Options{
		Logger:        diag,
		IDs:           ids,
		MaxQueueDepth: cfg.Agents.MaxQueueDepth,
		Sessions:      aacpsession.NewManager(led, ids, diag),
		Ledger:        led,
		Summaries:     summaries,
	})

	registerBuiltins(ctx, cfg, reg, res, coord, diag)

	srv := mcpserver.New(mcpserver.Options{
		Config:      cfg,
		Logger:      diag,
		IDs:         ids,
		Registry:    reg,
		Executor:    exec,
		Resources:   res,
		Coordinator: coord,
	})

	// Create channel used by both the signal handler and the server goroutine
	// to notify the main goroutine when to stop.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "serving"}, log.KV{K: "transport", V: "stdio"})
		errc <- srv.Serve(ctx, os.Stdin, os.Stdout, session.TransportStdio)
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	coord.Close()
	log.Printf(ctx, "exited")
}

// registerBuiltins installs the echo, health, and agent façade tools.
func registerBuiltins(ctx context.Context, cfg config.Config, reg *toolregistry.Registry, res *resources.Manager, coord *coordinator.Coordinator, diag *telemetry.Logger) {
	agentOpts := tools.AgentOptions{
		Coordinator:   coord,
		Resources:     res,
		Logger:        diag,
		MaxStateBytes: cfg.Tools.MaxStateBytes,
	}

	register := func(def toolregistry.Definition, handler toolregistry.Handler) {
		if err := reg.Register(def, handler); err != nil {
			log.Fatalf(ctx, err, "builtin tool %s failed to register", def.Name)
		}
	}
	register(tools.Echo())
	register(tools.Health(tools.HealthOptions{
		ServerName:     cfg.Server.Name,
		ServerVersion:  cfg.Server.Version,
		Registry:       reg,
		Resources:      res,
		DefaultTimeout: cfg.DefaultTimeout(),
	}))
	register(tools.AgentSendMessage(agentOpts))
	register(tools.AgentList(agentOpts))
	register(tools.AgentGetState(agentOpts))
}

// redactKeys merges the configured deny-list over the built-in one; an empty
// configuration keeps the defaults.
func redactKeys(cfg config.Config) []string {
	if len(cfg.Logging.RedactKeys) == 0 {
		return nil
	}
	return append(append([]string{}, telemetry.DefaultRedactKeys...), cfg.Logging.RedactKeys...)
}
