package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/spillq"
	"github.com/outofforest/spillq/pagestore"
	"github.com/outofforest/spillq/persistent"
	"github.com/outofforest/spillq/serializer"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctx = logger.WithLogger(ctx, logger.New(logger.DefaultConfig))

	rootCmd := &cobra.Command{
		Use:           "spillq",
		Short:         "Tools for spill queue directories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(inspectCmd(), benchCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Get(ctx).Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

func inspectCmd() *cobra.Command {
	var (
		path     string
		compress bool
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Prints pages stored in the directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := persistent.NewFileStore(path)
			if err != nil {
				return err
			}

			// Element type doesn't matter because only the count prefixes are read.
			pStore, err := pagestore.New[[]byte](pagestore.Config{
				Store:    store,
				PageSize: 1,
				Compress: compress,
			}, serializer.Bytes{})
			if err != nil {
				_ = store.Close()
				return err
			}
			defer pStore.Close()

			infos, err := pStore.Scan()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-20s %12s %12s\n", "PAGE", "BYTES", "ELEMENTS")
			for _, info := range infos {
				fmt.Fprintf(out, "%-20s %12d %12d\n", info.ID, info.Size, info.Count)
			}
			fmt.Fprintf(out, "%-20s %12d %12d\n", "TOTAL",
				lo.SumBy(infos, func(info pagestore.PageInfo) int64 { return info.Size }),
				lo.SumBy(infos, func(info pagestore.PageInfo) int { return info.Count }))
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Queue directory")
	cmd.Flags().BoolVar(&compress, "compress", false, "Pages are compressed")
	lo.Must0(cmd.MarkFlagRequired("path"))

	return cmd
}

func benchCmd() *cobra.Command {
	var (
		path      string
		producers int
		consumers int
		count     int
		pageSize  int
		memMax    int
		threads   int
		compress  bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measures throughput of concurrent producers and consumers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if producers < 1 || consumers < 1 || count < 1 {
				return errors.New("producers, consumers and count must be greater than 0")
			}

			ctx := cmd.Context()
			log := logger.Get(ctx)

			q, err := spillq.New[uint64](ctx, spillq.Config[uint64]{
				PageSize:             pageSize,
				MemMaxCapacity:       memMax,
				Path:                 path,
				Serializer:           serializer.Fixed[uint64]{},
				NumBackgroundThreads: threads,
				Compress:             compress,
			})
			if err != nil {
				return err
			}

			perProducer := count / producers
			total := perProducer * producers

			start := time.Now()
			var maxDiskBytes int64
			var consumed atomic.Int64
			err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
				for p := range producers {
					spawn(fmt.Sprintf("producer-%02d", p), parallel.Continue, func(ctx context.Context) error {
						for i := range uint64(perProducer) {
							if err := q.Put(ctx, i); err != nil {
								return err
							}
						}
						return nil
					})
				}
				for c := range consumers {
					toTake := total / consumers
					if c == 0 {
						toTake += total % consumers
					}
					spawn(fmt.Sprintf("consumer-%02d", c), parallel.Continue, func(ctx context.Context) error {
						for range toTake {
							if _, err := q.Take(ctx); err != nil {
								return err
							}
							consumed.Add(1)
						}
						return nil
					})
				}
				spawn("monitor", parallel.Continue, func(ctx context.Context) error {
					ticker := time.NewTicker(100 * time.Millisecond)
					defer ticker.Stop()

					for {
						maxDiskBytes = max(maxDiskBytes, q.DiskBytesUsed())
						if consumed.Load() == int64(total) {
							return nil
						}
						select {
						case <-ctx.Done():
							return errors.WithStack(ctx.Err())
						case <-ticker.C:
						}
					}
				})
				return nil
			})
			duration := time.Since(start)

			if cErr := q.Close(); err == nil {
				err = cErr
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			log.Info("Benchmark finished",
				zap.Int("elements", total),
				zap.Duration("duration", duration),
				zap.Float64("elementsPerSecond", float64(total)/duration.Seconds()),
				zap.Int64("maxDiskBytes", maxDiskBytes))
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Queue directory")
	cmd.Flags().IntVar(&producers, "producers", 4, "Number of producers")
	cmd.Flags().IntVar(&consumers, "consumers", 4, "Number of consumers")
	cmd.Flags().IntVar(&count, "count", 1_000_000, "Number of elements")
	cmd.Flags().IntVar(&pageSize, "page-size", spillq.DefaultPageSize, "Number of elements in page")
	cmd.Flags().IntVar(&memMax, "mem-max", 0, "Maximum number of resident elements, 0 means 8 pages")
	cmd.Flags().IntVar(&threads, "threads", 2, "Number of background threads")
	cmd.Flags().BoolVar(&compress, "compress", false, "Compress pages")
	lo.Must0(cmd.MarkFlagRequired("path"))

	return cmd
}
