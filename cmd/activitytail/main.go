// Command activitytail follows the activity-event Kafka topic and prints each
// record, for operators watching what the ingestion pipeline is doing.
//
// Usage:
//
//	go run ./cmd/activitytail [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/searchforge/ingestmgr/internal/ingest"
	"github.com/searchforge/ingestmgr/pkg/config"
	"github.com/searchforge/ingestmgr/pkg/kafka"
	"github.com/searchforge/ingestmgr/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.ActivityEvents,
		func(_ context.Context, _ []byte, value []byte) error {
			event, err := kafka.DecodeJSON[ingest.ActivityEvent](value)
			if err != nil {
				return err
			}
			fmt.Printf("%d\t%s\t%s\t%s\t%d\n",
				event.RecordedAt, event.Kind, event.EntityURI, event.ResultCode, event.DataSize)
			return nil
		})
	defer consumer.Close()

	slog.Info("tailing activity events", "topic", cfg.Kafka.Topics.ActivityEvents)
	if err := consumer.Start(ctx); err != nil {
		slog.Error("consumer stopped with error", "error", err)
		os.Exit(1)
	}
}
