// Package main runs one writer and many concurrent readers against an
// in-memory index and checks the invariants readers must always observe.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	agilese "github.com/zilongwhu/agile-se-sub000"
	"github.com/zilongwhu/agile-se-sub000/logger"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

type config struct {
	duration time.Duration
	readers  int
	terms    int
	docs     int
	batch    int
	wide     int
	grace    time.Duration
	maintain time.Duration
	verbose  bool
}

// run executes the stress test and returns an exit code.
// This is separated from main() to facilitate testing.
func run(args []string, stderr io.Writer) int {
	var cfg config
	fs := flag.NewFlagSet("agilese-stress", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.DurationVar(&cfg.duration, "duration", 10*time.Second, "how long to run")
	fs.IntVar(&cfg.readers, "readers", 4, "concurrent readers")
	fs.IntVar(&cfg.terms, "terms", 16, "distinct terms")
	fs.IntVar(&cfg.docs, "docs", 100_000, "document id range")
	fs.IntVar(&cfg.batch, "batch", 1000, "changes per write batch")
	fs.IntVar(&cfg.wide, "wide", 64, "posting tree branching factor")
	fs.DurationVar(&cfg.grace, "grace", 2*time.Second, "reclamation grace period")
	fs.DurationVar(&cfg.maintain, "maintain", 500*time.Millisecond, "reclamation interval")
	fs.BoolVar(&cfg.verbose, "v", false, "log at debug level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if cfg.readers < 1 || cfg.terms < 2 || cfg.docs < 1 || cfg.batch < 1 {
		fmt.Fprintln(stderr, "readers, docs and batch must be positive and terms at least 2")
		return 2
	}

	zl, err := newZap(cfg.verbose)
	if err != nil {
		fmt.Fprintf(stderr, "create logger: %v\n", err)
		return 1
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()

	if err := stress(ctx, cfg, zl); err != nil {
		zl.Error("stress failed", zap.Error(err))
		return 1
	}
	return 0
}

func newZap(verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

// payload records the generation that wrote a posting.
func payload(gen uint64) []byte {
	var p [8]byte
	binary.LittleEndian.PutUint64(p[:], gen)
	return p[:]
}

func stress(ctx context.Context, cfg config, zl *zap.Logger) error {
	ix, err := agilese.Open(
		agilese.WithWide(cfg.wide),
		agilese.WithPayloadLen(8),
		agilese.WithGracePeriod(cfg.grace),
		agilese.WithLogger(logger.NewZap(zl)),
	)
	if err != nil {
		return err
	}
	defer func() { _ = ix.Close() }()

	var reads, commits, reclaimed atomic.Uint64
	g, gctx := errgroup.WithContext(ctx)

	// Writer. Every commit adds the same document to "base" and "pair".
	g.Go(func() error {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for gctx.Err() == nil {
			gen := ix.Generation() + 1
			err := ix.Update(func(b *agilese.Batch) error {
				for i := 0; i < cfg.batch; i++ {
					doc := int32(rng.Intn(cfg.docs))
					term := fmt.Sprintf("t%d", rng.Intn(cfg.terms))
					if rng.Intn(3) == 0 {
						if _, err := b.Delete(term, doc); err != nil {
							return err
						}
						continue
					}
					if err := b.Put(term, doc, payload(gen)); err != nil {
						return err
					}
				}
				doc := int32(rng.Intn(cfg.docs))
				if err := b.Put("base", doc, payload(gen)); err != nil {
					return err
				}
				return b.Put("pair", doc, payload(gen))
			})
			if err != nil {
				return fmt.Errorf("commit: %w", err)
			}
			commits.Add(1)
		}
		return nil
	})

	// Reclaimer. The index never reclaims on its own.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.maintain)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				reclaimed.Add(uint64(ix.Maintain()))
			}
		}
	})

	for r := 0; r < cfg.readers; r++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(r)))
			var lastBase int
			for gctx.Err() == nil {
				// base and pair only grow, so an intersection computed
				// earlier can never exceed a count taken afterwards.
				both := int(ix.And("base", "pair").GetCardinality())
				base, pair := ix.Count("base"), ix.Count("pair")
				if both > min(base, pair) {
					return fmt.Errorf("and(base, pair)=%d exceeds counts %d/%d", both, base, pair)
				}
				if base < lastBase {
					return fmt.Errorf("base shrank from %d to %d", lastBase, base)
				}
				lastBase = base

				term := fmt.Sprintf("t%d", rng.Intn(cfg.terms))
				docs := ix.Postings(term)
				for i := 1; i < len(docs); i++ {
					if docs[i] <= docs[i-1] {
						return fmt.Errorf("%s postings out of order at %d", term, i)
					}
				}
				reads.Add(1)
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	s := ix.Stats()
	zl.Info("stress finished",
		zap.Uint64("commits", commits.Load()),
		zap.Uint64("reads", reads.Load()),
		zap.Uint64("reclaimed", reclaimed.Load()),
		zap.Int("terms", s.Terms),
		zap.Int("postings", s.Postings),
		zap.Int("deferred", s.Deferred),
		zap.Uint64("cacheHits", s.CacheHits))
	return nil
}
