package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// Counters for crawl activity exposed on /metrics.
	// received: deliveries handed to the worker; acked/nacked: final disposition of each delivery.
	MessagesReceived uint64
	MessagesAcked    uint64
	MessagesNacked   uint64
	FetchFailures    uint64
	DeadLettered     uint64
	LinksFound       uint64 // same-domain links extracted
	LinksPublished   uint64 // new links republished to the queue
	LinksSkipped     uint64 // links dropped because they were already committed

	InFlight int64 // gauge: deliveries currently inside the pipeline

	// Kafka backend only: ordered offset commits.
	OffsetCommitErrors  uint64
	OffsetCommitPending int64

	FetchLatency  = NewHistogram([]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10})
	CommitLatency = NewHistogram([]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1})
)

// Histogram is a lock-free Prometheus style histogram. Buckets are upper
// bounds in seconds; the +Inf bucket is implicit.
type Histogram struct {
	buckets []float64
	counts  []uint64 // last slot holds +Inf
	sumNs   uint64
	count   uint64
}

// NewHistogram returns a histogram with the given upper bounds.
func NewHistogram(buckets []float64) *Histogram {
	return &Histogram{buckets: buckets, counts: make([]uint64, len(buckets)+1)}
}

// Observe records one duration.
func (h *Histogram) Observe(duration time.Duration) {
	if duration <= 0 {
		return
	}
	seconds := duration.Seconds()
	bucketIndex := len(h.buckets)
	for i, bound := range h.buckets {
		if seconds <= bound {
			bucketIndex = i
			break
		}
	}
	atomic.AddUint64(&h.counts[bucketIndex], 1)
	atomic.AddUint64(&h.sumNs, uint64(duration.Nanoseconds()))
	atomic.AddUint64(&h.count, 1)
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	return atomic.LoadUint64(&h.count)
}

func (h *Histogram) reset() {
	for i := range h.counts {
		atomic.StoreUint64(&h.counts[i], 0)
	}
	atomic.StoreUint64(&h.sumNs, 0)
	atomic.StoreUint64(&h.count, 0)
}

// write appends the bucket, sum and count series for name to sb.
func (h *Histogram) write(sb *strings.Builder, name, help, leFmt string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range h.buckets {
		cumulative += atomic.LoadUint64(&h.counts[i])
		fmt.Fprintf(sb, "%s_bucket{le=\"%s\"} %d\n", name, fmt.Sprintf(leFmt, bound), cumulative)
	}
	cumulative += atomic.LoadUint64(&h.counts[len(h.buckets)])
	fmt.Fprintf(sb, "%s_bucket{le=\"+Inf\"} %d\n", name, cumulative)
	sumSeconds := float64(atomic.LoadUint64(&h.sumNs)) / float64(time.Second)
	fmt.Fprintf(sb, "%s_sum %.6f\n", name, sumSeconds)
	fmt.Fprintf(sb, "%s_count %d\n", name, atomic.LoadUint64(&h.count))
}

// Reset zeroes every counter, gauge and histogram.
func Reset() {
	for _, c := range []*uint64{
		&MessagesReceived, &MessagesAcked, &MessagesNacked, &FetchFailures, &DeadLettered,
		&LinksFound, &LinksPublished, &LinksSkipped, &OffsetCommitErrors,
	} {
		atomic.StoreUint64(c, 0)
	}
	atomic.StoreInt64(&InFlight, 0)
	atomic.StoreInt64(&OffsetCommitPending, 0)
	FetchLatency.reset()
	CommitLatency.reset()
}

// StartServer serves /metrics on addr until ctx is cancelled.
func StartServer(ctx context.Context, addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", Handler)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics shutdown error")
		}
	}()

	go func() {
		log.WithField("addr", addr).Info("metrics listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server error")
		}
	}()
}

// Handler writes all metrics in the Prometheus text format.
func Handler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sb strings.Builder
	sb.WriteString("link_crawler_up 1\n")
	counters := []struct {
		name, help string
		value      *uint64
	}{
		{"link_crawler_messages_received_total", "Deliveries handed to the worker.", &MessagesReceived},
		{"link_crawler_messages_acked_total", "Deliveries acknowledged.", &MessagesAcked},
		{"link_crawler_messages_nacked_total", "Deliveries rejected and requeued.", &MessagesNacked},
		{"link_crawler_fetch_failures_total", "Pages that could not be fetched.", &FetchFailures},
		{"link_crawler_dead_lettered_total", "Failures published to the dead-letter queue.", &DeadLettered},
		{"link_crawler_links_found_total", "Same-domain links extracted.", &LinksFound},
		{"link_crawler_links_published_total", "New links republished to the queue.", &LinksPublished},
		{"link_crawler_links_skipped_total", "Links already present in the dedup store.", &LinksSkipped},
		{"link_crawler_offset_commit_errors_total", "Kafka offset commit failures.", &OffsetCommitErrors},
	}
	for _, c := range counters {
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", c.name, c.help, c.name, c.name, atomic.LoadUint64(c.value))
	}
	fmt.Fprintf(&sb, "# TYPE link_crawler_in_flight gauge\nlink_crawler_in_flight %d\n", atomic.LoadInt64(&InFlight))
	fmt.Fprintf(&sb, "# TYPE link_crawler_offset_commit_pending gauge\nlink_crawler_offset_commit_pending %d\n", atomic.LoadInt64(&OffsetCommitPending))

	FetchLatency.write(&sb, "link_crawler_fetch_latency_seconds", "Page fetch latency.", "%.2f")
	CommitLatency.write(&sb, "link_crawler_commit_latency_seconds", "Dedup store commit latency.", "%.3f")

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}
