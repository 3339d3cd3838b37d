package main

import (
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"chatroute/internal/capacity"
	"chatroute/internal/config"
	"chatroute/internal/store"
	"chatroute/internal/waitqueue"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and operator load",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, _, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
			defer func() { _ = rdb.Close() }()
			st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}

			queue := waitqueue.New(rdb)
			size, err := queue.Size(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg.Routing.QueueCapacity > 0 {
				fmt.Fprintf(out, "queue: %d/%d waiting\n", size, cfg.Routing.QueueCapacity)
			} else {
				fmt.Fprintf(out, "queue: %d waiting\n", size)
			}

			capStore := capacity.New(rdb, st.CountInProgressByOperator)
			ready, err := capStore.ReadyOperators(ctx)
			if err != nil {
				return err
			}
			sort.Strings(ready)
			fmt.Fprintf(out, "operators: %d ready\n", len(ready))
			for _, id := range ready {
				count, err := capStore.Concurrency(ctx, id)
				if err != nil {
					return err
				}
				limit := "?"
				if op, err := st.GetOperator(ctx, id); err == nil {
					limit = fmt.Sprintf("%d", op.ConcurrencyLimit)
				}
				fmt.Fprintf(out, "  %s: %d/%s active\n", id, count, limit)
			}
			return nil
		},
	}
}
