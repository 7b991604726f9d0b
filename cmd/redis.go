package cmd

import (
	"context"
	"fmt"
	"time"

	"audiosplit/cache"

	"github.com/spf13/cobra"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Check the Redis manifest cache connection",
	Long:  `Connect to the configured Redis and run a set/get/del round trip.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.ManifestCacheEnabled() {
			return fmt.Errorf("REDIS_HOST is not set")
		}
		fmt.Printf("Redis: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		client, err := cache.NewClient(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		fmt.Println("Redis connection OK")

		if err := cache.Check(ctx, client); err != nil {
			return fmt.Errorf("redis round trip failed: %w", err)
		}
		fmt.Println("Redis read/write OK")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
