package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/rpcgw/internal/config"
	"github.com/vyrodovalexey/rpcgw/internal/keystore"
)

const commandTimeout = 10 * time.Second

var errKeyNotFound = errors.New("key not found")

// storeOptions locate the key store. A config file supplies defaults that
// explicit flags override.
type storeOptions struct {
	configPath string
	redisURL   string
	prefix     string
}

// keyAdmin is the subset of the Redis store the commands need.
type keyAdmin interface {
	CreateKey(ctx context.Context, apiKey, owner string, rateLimit uint64) error
	SetActive(ctx context.Context, apiKey string, active bool) (bool, error)
	DeleteKey(ctx context.Context, apiKey string) (bool, error)
	GetKey(ctx context.Context, apiKey string) (*keystore.KeyInfo, bool, error)
	Close() error
}

type storeOpener func(ctx context.Context, opts storeOptions) (keyAdmin, error)

// openRedisStore resolves the Redis location and connects.
func openRedisStore(ctx context.Context, opts storeOptions) (keyAdmin, error) {
	cfg := keystore.DefaultRedisConfig()

	if opts.configPath != "" {
		routerCfg, err := config.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg.URL = routerCfg.RedisURL
		if routerCfg.KeyStore.Prefix != "" {
			cfg.Prefix = routerCfg.KeyStore.Prefix
		}
	}
	if opts.redisURL != "" {
		cfg.URL = opts.redisURL
	}
	if opts.prefix != "" {
		cfg.Prefix = opts.prefix
	}

	if cfg.URL == "" {
		return nil, errors.New("redis url is required: pass --redis-url or --config")
	}
	if keystore.IsMemoryURL(cfg.URL) {
		return nil, errors.New("the in-memory key store is configured statically and cannot be managed")
	}

	cfg.ConnectionRetries = 1
	return keystore.NewRedisStore(ctx, cfg)
}

func newRootCmd(open storeOpener) *cobra.Command {
	opts := &storeOptions{}

	root := &cobra.Command{
		Use:           "rpcgw-keys",
		Short:         "Manage API keys for the rpcgw JSON-RPC gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "gateway config file to read redis_url and keystore.prefix from")
	root.PersistentFlags().StringVar(&opts.redisURL, "redis-url", "", "Redis URL, overrides --config")
	root.PersistentFlags().StringVar(&opts.prefix, "prefix", "", "key prefix, overrides --config")

	// withStore opens the store for the duration of one command.
	withStore := func(run func(ctx context.Context, cmd *cobra.Command, store keyAdmin, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			store, err := open(ctx, *opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			return run(ctx, cmd, store, args)
		}
	}

	root.AddCommand(
		newCreateCmd(withStore),
		newSetActiveCmd("activate", "Re-enable a key", true, withStore),
		newSetActiveCmd("deactivate", "Disable a key without deleting it", false, withStore),
		newDeleteCmd(withStore),
		newShowCmd(withStore),
	)
	return root
}

type runWithStore func(run func(ctx context.Context, cmd *cobra.Command, store keyAdmin, args []string) error) func(*cobra.Command, []string) error

func newCreateCmd(withStore runWithStore) *cobra.Command {
	var (
		owner     string
		rateLimit uint64
	)
	cmd := &cobra.Command{
		Use:   "create [key]",
		Short: "Create or replace a key; a random key is generated when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, store keyAdmin, args []string) error {
			key := uuid.NewString()
			if len(args) == 1 {
				key = args[0]
			}
			if err := store.CreateKey(ctx, key, owner, rateLimit); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		}),
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner recorded for the key")
	cmd.Flags().Uint64Var(&rateLimit, "rate-limit", 0, "requests per rate window, 0 for unlimited")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newSetActiveCmd(use, short string, active bool, withStore runWithStore) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <key>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, store keyAdmin, args []string) error {
			found, err := store.SetActive(ctx, args[0], active)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s", errKeyNotFound, args[0])
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", use, args[0])
			return err
		}),
	}
}

func newDeleteCmd(withStore runWithStore) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, store keyAdmin, args []string) error {
			found, err := store.DeleteKey(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s", errKeyNotFound, args[0])
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		}),
	}
}

// keyView is the JSON document printed by show.
type keyView struct {
	Key       string `json:"key"`
	Owner     string `json:"owner"`
	RateLimit uint64 `json:"rate_limit"`
	Active    bool   `json:"active"`
}

func newShowCmd(withStore runWithStore) *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Print a key's record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, store keyAdmin, args []string) error {
			info, active, err := store.GetKey(ctx, args[0])
			if err != nil {
				return err
			}
			if info == nil {
				return fmt.Errorf("%w: %s", errKeyNotFound, args[0])
			}
			enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(keyView{Key: args[0], Owner: info.Owner, RateLimit: info.RateLimit, Active: active})
		}),
	}
}
