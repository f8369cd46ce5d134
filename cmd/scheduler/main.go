// The scheduler process runs every periodic loop: scanner, expander,
// allocator, dispatcher pool, sweeper and metrics collector. Several
// scheduler processes may run side by side; reservations and CAS updates in
// the store keep them from stepping on each other.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/bulkmail/internal/config"
	"github.com/relaypoint/bulkmail/internal/events"
	"github.com/relaypoint/bulkmail/internal/pkg/distlock"
	"github.com/relaypoint/bulkmail/internal/pkg/logger"
	"github.com/relaypoint/bulkmail/internal/scheduler"
	"github.com/relaypoint/bulkmail/internal/sender"
	"github.com/relaypoint/bulkmail/internal/store"
	"github.com/relaypoint/bulkmail/internal/sysconfig"
	"github.com/relaypoint/bulkmail/internal/template"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	applyLogLevel(cfg)

	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	settings := sysconfig.New(st.DB(), rdb)

	var pub *events.Publisher
	if cfg.AMQP.URL != "" {
		pub, err = events.Connect(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			log.Printf("event broker unavailable, outcomes will not be published: %v", err)
		} else {
			defer pub.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	senders := buildSenders(ctx, cfg)

	sched := cfg.Scheduler
	scanner := scheduler.NewScanner(st, settings, sched.ScanInterval)
	expander := scheduler.NewExpander(st, template.New(), sched.ScanInterval)
	allocator := scheduler.NewAllocator(st, settings,
		distlock.New(rdb, st.DB(), "allocator-pass", sched.AllocateInterval*3),
		sched.InstanceID, sched.AllocateInterval)
	sweeper := scheduler.NewSweeper(st, settings,
		distlock.New(rdb, st.DB(), "sweeper-pass", sched.SweepInterval*3),
		sched.SweepInterval)
	retry := scheduler.NewRetryManager(st, settings)
	pool := scheduler.NewPool(st, senders, scheduler.NewIntervalGate(rdb),
		retry, settings, pub, sched.InstanceID, sched.ScanInterval)

	var alerter scheduler.Alerter = scheduler.NopAlerter{}
	if cfg.Alerter.Enabled {
		alerter = scheduler.NewSMTPAlerter(cfg.Alerter)
	}
	collector := scheduler.NewCollector(st, settings, alerter, sched.MetricsInterval)

	scanner.Start(ctx)
	expander.Start(ctx)
	allocator.Start(ctx)
	sweeper.Start(ctx)
	pool.Start(ctx)
	collector.Start(ctx)

	log.Printf("scheduler %s running", sched.InstanceID)
	<-ctx.Done()
	log.Printf("shutting down")

	// Stop in dependency order: no new work, then in-flight sends, then
	// bookkeeping.
	scanner.Stop()
	expander.Stop()
	allocator.Stop()
	pool.Stop()
	sweeper.Stop()
	collector.Stop()
}

func buildSenders(ctx context.Context, cfg *config.Config) *sender.Registry {
	senders := make(map[string]sender.Sender)

	if cfg.SES.AccessKeyID != "" || os.Getenv("AWS_PROFILE") != "" {
		ses, err := sender.NewSES(ctx, cfg.SES, os.Getenv("SES_FROM"))
		if err != nil {
			log.Printf("ses sender unavailable: %v", err)
		} else {
			senders["ses"] = ses
		}
	}
	if endpoint := os.Getenv("HTTP_PROVIDER_URL"); endpoint != "" {
		senders["http"] = sender.NewHTTPAPI(nil, endpoint, os.Getenv("HTTP_PROVIDER_KEY"))
	}
	if len(senders) == 0 {
		log.Printf("warning: no provider credentials configured, sends will fail")
	}
	return sender.NewRegistry(senders)
}

func applyLogLevel(cfg *config.Config) {
	switch cfg.LogLevel {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	default:
		logger.SetLevel(logger.INFO)
	}
	logger.SetRedactPII(cfg.RedactPII)
}
