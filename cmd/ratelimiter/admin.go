package main

import (
	"fmt"
	"time"

	ratelimiter "github.com/Fischlvor/crm-ratelimiter"
	"github.com/Fischlvor/crm-ratelimiter/drivers/store/redis"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <client>",
		Short: "查看客户端的令牌桶状态",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, key, err := openRedisStore(args[0])
			if err != nil {
				return err
			}
			defer store.Close()

			bucket, ttl, err := store.Inspect(key)
			if err != nil {
				return fmt.Errorf("读取令牌桶失败: %w", err)
			}

			out := cmd.OutOrStdout()
			if bucket == nil {
				fmt.Fprintf(out, "%s: 不存在（视为满桶）\n", key)
				return nil
			}

			refill := time.Unix(0, int64(bucket.LastRefill*float64(time.Second)))
			fmt.Fprintf(out, "key:         %s\n", key)
			fmt.Fprintf(out, "tokens:      %.3f\n", bucket.Tokens)
			fmt.Fprintf(out, "last_refill: %s\n", refill.Format(time.RFC3339Nano))
			fmt.Fprintf(out, "ttl:         %s\n", ttl)
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <client>",
		Short: "删除客户端的令牌桶，下次请求视为满桶",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, key, err := openRedisStore(args[0])
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Reset(key); err != nil {
				return fmt.Errorf("重置令牌桶失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: 已重置\n", key)
			return nil
		},
	}
}

// openRedisStore 按配置连接Redis并返回客户端对应的限流key
func openRedisStore(client string) (*redis.Store, string, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, "", err
	}

	store := redis.NewStoreFromConfig(config.Redis)
	limiter, err := ratelimiter.NewFromConfig(config, store)
	if err != nil {
		store.Close()
		return nil, "", err
	}
	return store, limiter.BuildKey(client), nil
}
