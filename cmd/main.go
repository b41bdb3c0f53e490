package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/mr-tron/base58"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/code-payments/flipchat-entitlements/config"
	pg "github.com/code-payments/flipchat-entitlements/database/postgres"
	"github.com/code-payments/flipchat-entitlements/entitlement"
	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/iap/android"
	"github.com/code-payments/flipchat-entitlements/iap/apple"
	"github.com/code-payments/flipchat-entitlements/iap/cache"
	"github.com/code-payments/flipchat-entitlements/iap/memory"
	iappg "github.com/code-payments/flipchat-entitlements/iap/postgres"
	iapredis "github.com/code-payments/flipchat-entitlements/iap/redis"
	"github.com/code-payments/flipchat-entitlements/model"
)

const usage = `usage: entitlements [-config file] <command> [args]

commands:
  verify <receipt-file>   validate a receipt and store the resulting entitlements
  check <product-id>      print the current entitlement of a product
  list                    print the current entitlement of every product
  keygen                  generate a key pair for the memory authority
`

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	if flag.Arg(0) == "keygen" {
		pub, priv, err := memory.GenerateKeyPair()
		if err != nil {
			log.Fatal("Failed to generate key:", err)
		}
		fmt.Println("public: ", base58.Encode(pub))
		fmt.Println("private:", base58.Encode(priv))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger, err := cfg.Logger()
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := run(ctx, logger, cfg, flag.Args()); err != nil {
		logger.Error("Command failed", zap.String("command", flag.Arg(0)), zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *zap.Logger, cfg *config.Config, args []string) error {
	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	trust, err := cfg.TrustConfig()
	if err != nil {
		return err
	}

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	verifier, err := newVerifier(ctx, log, cfg)
	if err != nil {
		return err
	}

	manager := entitlement.NewManager(
		log,
		iap.NewValidator(log.With(zap.String("component", "validator")), verifier),
		entitlement.NewResolver(entitlement.WithGracePeriod(cfg.GracePeriod)),
		catalog,
		store,
		trust,
	)

	switch args[0] {
	case "verify":
		if len(args) != 2 {
			return fmt.Errorf("verify takes a receipt file")
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}

		receipt := model.NewRawReceipt(data, time.Now())
		facts, err := manager.ValidateWithRetry(ctx, receipt, cfg.BackOff())
		if err != nil {
			return err
		}
		resolution, err := manager.Commit(ctx, receipt, facts)
		if err != nil {
			return err
		}

		for _, s := range resolution.States {
			fmt.Println(s)
		}
		for productID, err := range resolution.Errors {
			fmt.Printf("%s: %v\n", productID, err)
		}
	case "check":
		if len(args) != 2 {
			return fmt.Errorf("check takes a product id")
		}
		state, err := manager.Check(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Println(state)
	case "list":
		for _, id := range catalog.IDs() {
			state, err := manager.Check(ctx, id)
			if err != nil {
				return err
			}
			fmt.Println(state)
		}
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}

	return nil
}

func newStore(ctx context.Context, cfg *config.Config) (iap.Store, func(), error) {
	var (
		store   iap.Store
		closers []func()
	)

	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := sql.Open("pgx", cfg.Store.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { db.Close() })

		if err := pg.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		store = iappg.NewInPostgres(db, cfg.Store.Namespace)
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		closers = append(closers, func() { client.Close() })

		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		store = iapredis.NewInRedis(client, cfg.Store.Namespace)
	default:
		store = memory.NewInMemory()
	}

	if cfg.Store.CacheTTL > 0 {
		cached := cache.NewInCache(store, cfg.Store.CacheTTL)
		if c, ok := cached.(*cache.Cache); ok {
			closers = append(closers, c.Close)
		}
		store = cached
	}

	return store, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}

func newVerifier(ctx context.Context, log *zap.Logger, cfg *config.Config) (iap.Verifier, error) {
	switch cfg.Authority.Driver {
	case config.AuthorityMemory:
		pub, err := cfg.MemoryPublicKey()
		if err != nil {
			return nil, err
		}
		return memory.NewMemoryVerifier(pub), nil
	case config.AuthorityAndroid:
		var serviceAccount []byte
		if cfg.Authority.AndroidServiceAccountFile != "" {
			data, err := os.ReadFile(cfg.Authority.AndroidServiceAccountFile)
			if err != nil {
				return nil, err
			}
			serviceAccount = data
		}
		return android.NewAndroidVerifier(ctx, log.With(zap.String("authority", "android")), serviceAccount, cfg.Authority.AndroidPackageName)
	default:
		var opts []apple.Option
		if cfg.Authority.AppleProductionURL != "" || cfg.Authority.AppleSandboxURL != "" {
			production, sandbox := apple.ProductionURL, apple.SandboxURL
			if cfg.Authority.AppleProductionURL != "" {
				production = cfg.Authority.AppleProductionURL
			}
			if cfg.Authority.AppleSandboxURL != "" {
				sandbox = cfg.Authority.AppleSandboxURL
			}
			opts = append(opts, apple.WithEndpoints(production, sandbox))
		}
		if cfg.Authority.ExcludeOldTransactions {
			opts = append(opts, apple.WithExcludeOldTransactions())
		}
		return apple.NewAppleVerifier(log.With(zap.String("authority", "apple")), &http.Client{Timeout: 30 * time.Second}, opts...), nil
	}
}
