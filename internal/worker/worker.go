//go:generate mockgen -destination=../../mocks/worker.go -package=mocks link-crawler/internal/worker LinkRecorder,PageFetcher

// Package worker runs the crawl loop: consume a URL, fetch it, extract the
// same-host links, publish the ones not seen before back onto the queue,
// record them as seen and acknowledge the message.
//
// A message is acknowledged only after every publish and the dedup commit
// for it have succeeded, so a crash at any point leads to redelivery rather
// than a lost link.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"link-crawler/common"
	"link-crawler/internal/config"
	"link-crawler/internal/crawler"
	"link-crawler/internal/dedup"
	"link-crawler/internal/extract"
	"link-crawler/internal/fetch"
	"link-crawler/internal/logging"
	"link-crawler/internal/metrics"
	"link-crawler/internal/models"
)

// PageFetcher fetches one page.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Response, error)
}

// LinkRecorder receives the links found on each successfully processed page.
type LinkRecorder interface {
	RecordLinks(ctx context.Context, from, title string, links []string) error
}

// Config controls one Worker.
type Config struct {
	Queue           string
	Prefetch        int
	JobTimeout      time.Duration
	ShutdownTimeout time.Duration
	FailurePolicy   string
	RetryMax        int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	DLQ             string
	WorkerID        string
}

// ConfigFrom maps the process configuration onto a worker Config.
func ConfigFrom(cfg config.Config, workerID string) Config {
	return Config{
		Queue:           cfg.Queue.Name,
		Prefetch:        cfg.Queue.Prefetch,
		JobTimeout:      cfg.Worker.JobTimeout,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		FailurePolicy:   cfg.Worker.FailurePolicy,
		RetryMax:        cfg.Worker.RetryMax,
		RetryBaseDelay:  cfg.Worker.RetryBaseDelay,
		RetryMaxDelay:   cfg.Worker.RetryMaxDelay,
		DLQ:             cfg.Worker.DLQName,
		WorkerID:        workerID,
	}
}

// Worker consumes one queue and feeds discovered links back into it.
type Worker struct {
	cfg      Config
	queue    crawler.Queue
	store    dedup.Store
	fetcher  PageFetcher
	recorder LinkRecorder
	log      *logrus.Entry
	clock    clock.Clock
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. The default discards output.
func WithLogger(log *logrus.Entry) Option {
	return func(w *Worker) { w.log = log }
}

// WithClock sets the clock used for retry backoff and shutdown deadlines.
func WithClock(clk clock.Clock) Option {
	return func(w *Worker) { w.clock = clk }
}

// WithRecorder sets an optional link recorder.
func WithRecorder(r LinkRecorder) Option {
	return func(w *Worker) { w.recorder = r }
}

// Limits used when Config leaves them unset.
const (
	defaultJobTimeout      = 5 * time.Minute
	defaultShutdownTimeout = 30 * time.Second
)

// New returns a Worker. Prefetch below 1 is treated as 1.
func New(cfg Config, queue crawler.Queue, store dedup.Store, fetcher PageFetcher, opts ...Option) *Worker {
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = config.PolicyAck
	}
	w := &Worker{
		cfg:     cfg,
		queue:   queue,
		store:   store,
		fetcher: fetcher,
		log:     logging.Discard(),
		clock:   clock.WallClock,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes until ctx is cancelled or the broker stops delivering. On
// cancellation it stops taking deliveries and gives in-flight messages up to
// ShutdownTimeout to finish; whatever is still running after that is
// abandoned unacknowledged. Run returns the broker error when consumption
// stopped for a reason other than ctx.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.queue.Consume(ctx, w.cfg.Queue)
	if err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{
		"queue":    w.cfg.Queue,
		"prefetch": w.cfg.Prefetch,
	}).Info("waiting for messages")

	// Pipelines outlive ctx so in-flight messages can finish after an
	// interrupt; abort cuts them off once the shutdown deadline passes.
	pipelineCtx, abort := context.WithCancel(context.Background())
	defer abort()

	jobs := make(chan crawler.Delivery, w.cfg.Prefetch)
	g := new(errgroup.Group)
	for i := 0; i < w.cfg.Prefetch; i++ {
		g.Go(func() error {
			for d := range jobs {
				if ctx.Err() != nil {
					w.abandon(d, "shutting down before processing")
					continue
				}
				w.handle(pipelineCtx, d)
			}
			return nil
		})
	}

	w.dispatch(ctx, deliveries, jobs)
	close(jobs)

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	if ctx.Err() != nil {
		w.log.WithField("in_flight", atomic.LoadInt64(&metrics.InFlight)).Info("consumer interrupted, finishing in-flight messages")
		select {
		case <-done:
		case <-w.clock.After(w.cfg.ShutdownTimeout):
			w.log.WithField("timeout", w.cfg.ShutdownTimeout).Warn("shutdown timeout reached, abandoning in-flight messages")
			abort()
			<-done
		}
		return nil
	}

	<-done
	if err := w.queue.Err(); err != nil {
		return err
	}
	return nil
}

func (w *Worker) dispatch(ctx context.Context, deliveries <-chan crawler.Delivery, jobs chan<- crawler.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				w.abandon(d, "shutting down before processing")
				return
			}
		}
	}
}

// handle runs one message through the pipeline and settles it exactly once.
func (w *Worker) handle(ctx context.Context, d crawler.Delivery) {
	atomic.AddUint64(&metrics.MessagesReceived, 1)
	atomic.AddInt64(&metrics.InFlight, 1)
	defer atomic.AddInt64(&metrics.InFlight, -1)

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	rawURL := strings.TrimSpace(string(d.Body()))
	log := w.log.WithField("url", rawURL)
	if !crawlable(rawURL) {
		log.Warn("discarding message that is not an absolute http(s) url")
		w.ack(d, log)
		return
	}
	log.Info("processing url")

	resp, attempts, err := w.fetchPage(jobCtx, rawURL, log)
	if err != nil {
		if ctx.Err() != nil {
			w.abandon(d, "shutdown timeout during fetch")
			return
		}
		w.fetchFailed(jobCtx, d, rawURL, attempts, err, log)
		return
	}

	page, err := extract.Links(rawURL, bytes.NewReader(resp.Body))
	if err != nil {
		log.WithError(err).Error("extracting links")
		w.ack(d, log)
		return
	}
	log.WithField("title", page.Title).Info("page title")
	log.Infof("found %d internal links", len(page.Links))
	atomic.AddUint64(&metrics.LinksFound, uint64(len(page.Links)))

	newLinks, err := w.store.Filter(jobCtx, page.Links)
	if err != nil {
		w.nack(d, log, err, "dedup lookup failed")
		return
	}
	atomic.AddUint64(&metrics.LinksSkipped, uint64(len(page.Links)-len(newLinks)))
	log.Infof("%d new links to send to the queue", len(newLinks))

	for _, link := range newLinks {
		log.WithField("link", link).Info("sending new link")
		if err := w.queue.Publish(jobCtx, w.cfg.Queue, []byte(link)); err != nil {
			w.nack(d, log, err, "publishing new link failed")
			return
		}
		atomic.AddUint64(&metrics.LinksPublished, 1)
	}

	if err := w.store.Commit(jobCtx, newLinks); err != nil {
		w.nack(d, log, err, "committing processed links failed")
		return
	}

	if w.recorder != nil {
		if err := w.recorder.RecordLinks(jobCtx, rawURL, page.Title, page.Links); err != nil {
			log.WithError(err).Warn("recording link graph failed")
		}
	}
	w.ack(d, log)
}

// fetchPage fetches rawURL, retrying transient failures when the failure
// policy asks for it. It returns the number of attempts made.
func (w *Worker) fetchPage(ctx context.Context, rawURL string, log *logrus.Entry) (*fetch.Response, int, error) {
	retries := 0
	if w.cfg.FailurePolicy == config.PolicyRetry || w.cfg.FailurePolicy == config.PolicyDLQ {
		retries = w.cfg.RetryMax
	}

	attempts := 0
	for {
		attempts++
		start := time.Now()
		resp, err := w.fetcher.Fetch(ctx, rawURL)
		metrics.FetchLatency.Observe(time.Since(start))
		if err == nil {
			return resp, attempts, nil
		}
		atomic.AddUint64(&metrics.FetchFailures, 1)

		if attempts > retries || !retryable(err) || ctx.Err() != nil {
			return nil, attempts, err
		}
		delay := common.Backoff(w.cfg.RetryBaseDelay, w.cfg.RetryMaxDelay, attempts)
		log.WithError(err).WithFields(logrus.Fields{"attempt": attempts, "delay": delay}).Warn("fetch failed, retrying")
		if delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, attempts, err
		case <-w.clock.After(delay):
		}
	}
}

// retryable reports whether another attempt could succeed. Client errors
// other than timeouts and rate limiting are final.
func retryable(err error) bool {
	var fe *fetch.FetchError
	if !errors.As(err, &fe) || fe.StatusCode == 0 {
		return true
	}
	switch {
	case fe.StatusCode == http.StatusRequestTimeout, fe.StatusCode == http.StatusTooManyRequests:
		return true
	case fe.StatusCode >= 400 && fe.StatusCode < 500:
		return false
	default:
		return true
	}
}

// fetchFailed settles a message whose page could not be fetched.
func (w *Worker) fetchFailed(ctx context.Context, d crawler.Delivery, rawURL string, attempts int, fetchErr error, log *logrus.Entry) {
	log.WithError(fetchErr).WithField("attempts", attempts).Errorf("error fetching %s", rawURL)

	if w.cfg.FailurePolicy == config.PolicyDLQ {
		if err := w.deadLetter(ctx, rawURL, attempts, fetchErr); err != nil {
			w.nack(d, log, err, "dead-letter publish failed")
			return
		}
		atomic.AddUint64(&metrics.DeadLettered, 1)
		log.WithField("dlq", w.cfg.DLQ).Info("routed to dead-letter queue")
	}
	w.ack(d, log)
}

func (w *Worker) deadLetter(ctx context.Context, rawURL string, attempts int, fetchErr error) error {
	failure := models.CrawlFailure{
		URL:      rawURL,
		Error:    fetchErr.Error(),
		Attempts: attempts,
		WorkerID: w.cfg.WorkerID,
		FailedAt: w.clock.Now().UTC(),
	}
	var fe *fetch.FetchError
	if errors.As(fetchErr, &fe) {
		failure.StatusCode = fe.StatusCode
	}
	payload, err := json.Marshal(failure)
	if err != nil {
		return err
	}
	return w.queue.Publish(ctx, w.cfg.DLQ, payload)
}

func (w *Worker) ack(d crawler.Delivery, log *logrus.Entry) {
	if err := d.Ack(); err != nil {
		log.WithError(err).Error("ack failed")
		return
	}
	atomic.AddUint64(&metrics.MessagesAcked, 1)
}

// nack returns the message to the queue after a publish or storage failure.
func (w *Worker) nack(d crawler.Delivery, log *logrus.Entry, cause error, msg string) {
	log.WithError(cause).Error(msg)
	atomic.AddUint64(&metrics.MessagesNacked, 1)
	if err := d.Nack(true); err != nil {
		log.WithError(err).Error("nack failed")
	}
}

// abandon hands an unprocessed or interrupted message back to the broker.
func (w *Worker) abandon(d crawler.Delivery, reason string) {
	log := w.log.WithField("url", strings.TrimSpace(string(d.Body())))
	log.Warn(reason)
	atomic.AddUint64(&metrics.MessagesNacked, 1)
	if err := d.Nack(true); err != nil {
		log.WithError(err).Error("nack failed")
	}
}

// crawlable reports whether raw is an absolute http or https URL.
func crawlable(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
