// The server process exposes the operator HTTP API: status, task controls,
// runtime config and alerts. It shares the database and Redis with the
// scheduler processes but runs none of the loops itself.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/bulkmail/internal/api"
	"github.com/relaypoint/bulkmail/internal/config"
	"github.com/relaypoint/bulkmail/internal/store"
	"github.com/relaypoint/bulkmail/internal/sysconfig"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

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

	srv := api.NewServer(cfg.Server, st, sysconfig.New(st.DB(), rdb))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}
