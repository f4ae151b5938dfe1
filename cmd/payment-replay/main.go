// Command payment-replay re-feeds exported Stripe events through the
// payment reconciler and then clears carts left behind by interrupted
// settlements.
//
// Archives are gzip-compressed NDJSON files, one Stripe event object per
// line, as produced by paging the events API with the secret key.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-payments/internal/domain/payment"
	"github.com/xenking/storefront-payments/internal/gateway"
	"github.com/xenking/storefront-payments/internal/repository"
)

const (
	bloomFPR      = 0.001
	minBloomSize  = 10_000
	progressEvery = 10_000
	maxLineBytes  = 4 << 20
)

type options struct {
	dataDir       string
	databaseURL   string
	stripeKey     string
	workers       int
	clearBatch    int
	stripeTimeout time.Duration
}

func main() {
	var opts options

	flag.StringVar(&opts.dataDir, "data-dir", "data/events", "directory containing *.ndjson.gz event archives")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.stripeKey, "stripe-secret-key", "", "Stripe secret key (or SHOP_STRIPE_SECRET_KEY env)")
	flag.IntVar(&opts.workers, "workers", 4, "archives processed concurrently")
	flag.IntVar(&opts.clearBatch, "clear-batch", 100, "orders per pending cart clear batch")
	flag.DurationVar(&opts.stripeTimeout, "stripe-timeout", 10*time.Second, "Stripe API call timeout")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if opts.stripeKey == "" {
		opts.stripeKey = os.Getenv("SHOP_STRIPE_SECRET_KEY")
	}
	if opts.stripeKey == "" {
		slog.Error("stripe secret key is required: set --stripe-secret-key or SHOP_STRIPE_SECRET_KEY")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("payment replay failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("payment replay completed successfully")
}

func run(ctx context.Context, opts options) error {
	files, err := filepath.Glob(filepath.Join(opts.dataDir, "*.ndjson.gz"))
	if err != nil {
		return errors.Wrap(err, "list archives")
	}

	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, opts.databaseURL, repository.PoolConfig{})
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	eventLog := repository.NewEventLogRepository(pool)
	orders := repository.NewOrderRepository(pool)
	sessions := repository.NewSessionRepository(pool)

	reconciler, err := payment.NewReconciler(
		gateway.NewStripe(gateway.Config{SecretKey: opts.stripeKey, Timeout: opts.stripeTimeout}, zap.NewNop()),
		sessions,
		orders,
		repository.NewCartRepository(pool),
		eventLog,
		payment.Options{},
	)
	if err != nil {
		return errors.Wrap(err, "create reconciler")
	}

	slog.Info("loading processed events")

	filter, err := loadProcessed(ctx, eventLog)
	if err != nil {
		return errors.Wrap(err, "load processed events")
	}

	stats := newReplayStats()
	if len(files) == 0 {
		slog.Info("no archives found", slog.String("dir", opts.dataDir))
	} else {
		slog.Info("replaying archives", slog.Int("files", len(files)))
		if err := replayFiles(ctx, reconciler, filter, files, opts.workers, stats); err != nil {
			return errors.Wrap(err, "replay archives")
		}
		stats.log()
	}

	slog.Info("retrying pending cart clears")

	cleared, err := reconciler.RetryCartClears(ctx, opts.clearBatch)
	if err != nil {
		return errors.Wrap(err, "retry cart clears")
	}
	slog.Info("pending cart clears done", slog.Int("cleared", cleared))

	if n := stats.failed(); n > 0 {
		return errors.Errorf("%d events could not be applied", n)
	}
	return nil
}

// loadProcessed builds a bloom filter over every recorded event id. A miss
// proves the event was never applied; a hit still needs the exact lookup.
func loadProcessed(ctx context.Context, events *repository.EventLogRepository) (*bloom.BloomFilter, error) {
	n, err := events.Count(ctx)
	if err != nil {
		return nil, err
	}
	size := uint(max(n, minBloomSize))
	filter := bloom.NewWithEstimates(size, bloomFPR)

	if err := events.EachID(ctx, func(id string) error {
		filter.AddString(id)
		return nil
	}); err != nil {
		return nil, err
	}

	slog.Info("processed events loaded", slog.Int64("count", n))
	return filter, nil
}

func replayFiles(
	ctx context.Context,
	r *payment.Reconciler,
	filter *bloom.BloomFilter,
	files []string,
	workers int,
	stats *replayStats,
) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, f := range files {
		g.Go(func() error {
			return replayFile(ctx, r, filter, f, stats)
		})
	}
	return g.Wait()
}

func replayFile(ctx context.Context, r *payment.Reconciler, filter *bloom.BloomFilter, path string, stats *replayStats) error {
	var lines uint64

	err := streamGzFile(ctx, path, func(line []byte) {
		lines++
		if lines%progressEvery == 0 {
			slog.Info("replay progress", slog.String("file", path), slog.Uint64("events", lines))
		}
		if len(line) == 0 {
			return
		}

		ev, err := gateway.DecodeEvent(line)
		if err != nil {
			slog.Warn("skipping undecodable event",
				slog.String("file", path),
				slog.Uint64("line", lines),
				slog.String("error", err.Error()),
			)
			stats.add(payment.OutcomeIgnored)
			return
		}

		var outcome payment.Outcome
		if filter.TestString(ev.ID) {
			outcome, err = r.Handle(ctx, ev)
		} else {
			outcome, err = r.Apply(ctx, ev)
		}
		if err != nil {
			slog.Error("event not applied",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
		stats.add(outcome)
	})
	if err != nil {
		return errors.Wrapf(err, "replay %s", path)
	}

	slog.Info("archive complete", slog.String("file", path), slog.Uint64("events", lines))
	return nil
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
// The line is only valid until fn returns.
func streamGzFile(ctx context.Context, path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(scanner.Bytes())
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}

type replayStats struct {
	mu       sync.Mutex
	outcomes map[payment.Outcome]int
}

func newReplayStats() *replayStats {
	return &replayStats{outcomes: make(map[payment.Outcome]int)}
}

func (s *replayStats) add(o payment.Outcome) {
	s.mu.Lock()
	s.outcomes[o]++
	s.mu.Unlock()
}

func (s *replayStats) failed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes[payment.OutcomeError]
}

func (s *replayStats) log() {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs := make([]any, 0, len(s.outcomes))
	for o, n := range s.outcomes {
		attrs = append(attrs, slog.Int(o.String(), n))
	}
	slog.Info("replay summary", attrs...)
}
