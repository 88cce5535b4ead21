package queue

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"link-crawler/internal/config"
	"link-crawler/internal/crawler"
)

// Client is a crawler.Queue that can also report queue depth, used by the
// operator CLI.
type Client interface {
	crawler.Queue
	QueueDepth(ctx context.Context, name string) (int, error)
}

// Open connects to the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.QueueConfig, log *logrus.Entry, clk clock.Clock) (Client, error) {
	switch cfg.Backend {
	case config.BackendRabbitMQ, "":
		return Connect(ctx, cfg, log, clk)
	case config.BackendKafka:
		if clk == nil {
			clk = clock.WallClock
		}
		return NewKafkaClient(cfg, log, WithKafkaClock(clk)), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
