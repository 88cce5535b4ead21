package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"link-crawler/internal/config"
	"link-crawler/internal/dedup"
	"link-crawler/internal/fetch"
	"link-crawler/internal/graph"
	"link-crawler/internal/logging"
	"link-crawler/internal/metrics"
	"link-crawler/internal/queue"
	"link-crawler/internal/worker"
)

// deps are the external systems the worker connects to at startup.
type deps struct {
	openQueue    func(ctx context.Context, cfg config.QueueConfig, log *logrus.Entry) (queue.Client, error)
	openStore    func(ctx context.Context, cfg config.DedupConfig) (dedup.Store, error)
	connectGraph func(ctx context.Context, cfg config.GraphConfig) (graph.DriverSessioner, error)
}

func defaultDeps() deps {
	return deps{
		openQueue: func(ctx context.Context, cfg config.QueueConfig, log *logrus.Entry) (queue.Client, error) {
			return queue.Open(ctx, cfg, log, clock.WallClock)
		},
		openStore:    dedup.Open,
		connectGraph: graph.Connect,
	}
}

func main() {
	os.Exit(run(os.Stdout))
}

func run(console io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}

	logger, logFile, err := logging.New(cfg.Log, console)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log: %v\n", err)
		return 1
	}
	defer logFile.Close()

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	log := logger.WithField("worker_id", workerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, workerID, log, defaultDeps()); err != nil {
		log.WithError(err).Error("worker stopped")
		return 1
	}
	log.Info("worker stopped")
	return 0
}

// serve connects everything, runs the worker until ctx is cancelled and
// releases resources in reverse order.
func serve(ctx context.Context, cfg config.Config, workerID string, log *logrus.Entry, d deps) error {
	log.WithFields(logrus.Fields{
		"backend": cfg.Queue.Backend,
		"broker":  cfg.Queue.Addr(),
		"queue":   cfg.Queue.Name,
	}).Info("starting worker")

	q, err := d.openQueue(ctx, cfg.Queue, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := q.Close(); err != nil {
			log.WithError(err).Warn("failed to close queue connection")
		}
	}()

	queues := []string{cfg.Queue.Name}
	if cfg.Worker.FailurePolicy == config.PolicyDLQ {
		queues = append(queues, cfg.Worker.DLQName)
	}
	for _, name := range queues {
		if err := q.DeclareQueue(ctx, name); err != nil {
			if queue.IsPreconditionFailed(err) {
				log.WithField("queue", name).Error("queue already exists with different settings; delete it or choose another name")
			}
			return err
		}
	}
	if err := q.SetPrefetch(cfg.Queue.Prefetch); err != nil {
		return err
	}

	store, err := d.openStore(ctx, cfg.Dedup)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("failed to close dedup store")
		}
	}()
	processed, err := store.Load(ctx)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"backend": cfg.Dedup.Backend,
		"links":   len(processed),
	}).Info("loaded processed links")

	client, err := fetch.NewClient(cfg.Fetch.Timeout, cfg.Fetch.ProxyURL)
	if err != nil {
		return err
	}
	fetcher := fetch.New(client,
		fetch.WithUserAgent(cfg.Fetch.UserAgent),
		fetch.WithMaxBodyBytes(cfg.Fetch.MaxBodyBytes),
	)

	opts := []worker.Option{worker.WithLogger(log)}
	if cfg.Graph.URI != "" {
		driver, err := d.connectGraph(ctx, cfg.Graph)
		if err != nil {
			return err
		}
		recorder := graph.NewRecorder(driver, cfg.Graph.Database, log)
		defer func() {
			if err := recorder.Close(context.Background()); err != nil {
				log.WithError(err).Warn("failed to close neo4j driver")
			}
		}()
		opts = append(opts, worker.WithRecorder(recorder))
		log.WithField("uri", cfg.Graph.URI).Info("recording link graph")
	}

	if cfg.MetricsAddr != "" {
		metrics.StartServer(ctx, cfg.MetricsAddr, log)
	}

	w := worker.New(worker.ConfigFrom(cfg, workerID), q, store, fetcher, opts...)
	return w.Run(ctx)
}
