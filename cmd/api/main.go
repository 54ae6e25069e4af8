package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wenwu/saas-platform/entitlement-service/internal/config"
	"github.com/wenwu/saas-platform/entitlement-service/internal/db"
	"github.com/wenwu/saas-platform/entitlement-service/internal/events"
	apihttp "github.com/wenwu/saas-platform/entitlement-service/internal/http"
	"github.com/wenwu/saas-platform/entitlement-service/internal/jobs"
	"github.com/wenwu/saas-platform/entitlement-service/internal/repository"
	"github.com/wenwu/saas-platform/entitlement-service/internal/repository/memory"
	"github.com/wenwu/saas-platform/entitlement-service/internal/service"
	"golang.org/x/sync/errgroup"
)

// stores bundles one implementation of every persistence interface
type stores struct {
	packages      service.PackageStore
	orders        service.OrderStore
	subscriptions service.SubscriptionStore
	devices       service.DeviceStore
	logs          service.OrderLogStore
	close         func()
}

func main() {
	log.Println("Starting Entitlement Service...")

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.close()

	publisher := events.Connect(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
	defer publisher.Close()

	rdb := connectRedis(ctx, cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
	}

	// Initialize services
	orderNos, err := service.NewOrderNoGenerator(cfg.Server.NodeID)
	if err != nil {
		log.Fatalf("Failed to create order number generator: %v", err)
	}
	tokens := service.NewTokenIssuer(cfg.JWT)
	catalog := service.NewCatalogService(st.packages)
	orderService := service.NewOrderService(st.orders, st.logs, catalog,
		service.DefaultPaymentRegistry(cfg.Payment.MockDecline), orderNos, publisher)
	quotaService := service.NewQuotaService(st.subscriptions, catalog, cfg.Trial, cfg.Models, publisher)
	deviceService := service.NewDeviceService(st.devices, tokens, cfg.Pairing.ClaimCodeTTL, publisher)

	// Background sweeps
	if cfg.Jobs.Enabled {
		scheduler := jobs.NewScheduler(
			jobs.NewJobs(quotaService, deviceService, orderService, cfg.Payment.PendingOrderTTL),
			cfg.Jobs,
		)
		if err := scheduler.Start(); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
		defer func() { <-scheduler.Stop().Done() }()
	}

	// Initialize HTTP server
	server := apihttp.NewServer(cfg, rdb, apihttp.Services{
		Catalog: catalog,
		Orders:  orderService,
		Quota:   quotaService,
		Devices: deviceService,
		Tokens:  tokens,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Server starting on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Graceful shutdown
		<-gctx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Server error: %v", err)
	}
	log.Println("Server exited")
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Println("[store] Using in-memory store with the default catalog; data is lost on restart")
		m := memory.NewSeeded()
		return &stores{
			packages:      m.Packages,
			orders:        m.Orders,
			subscriptions: m.Subscriptions,
			devices:       m.Devices,
			logs:          m.Logs,
			close:         func() {},
		}, nil
	}

	database, err := db.New(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	pool := database.Pool
	return &stores{
		packages:      repository.NewPackageRepository(pool),
		orders:        repository.NewOrderRepository(pool),
		subscriptions: repository.NewSubscriptionRepository(pool),
		devices:       repository.NewDeviceRepository(pool),
		logs:          repository.NewLogRepository(pool),
		close:         database.Close,
	}, nil
}

// connectRedis returns nil when Redis is not configured or unreachable;
// rate limits then fall back to per-process buckets
func connectRedis(ctx context.Context, cfg config.RedisConfig) redis.UniversalClient {
	if cfg.Addr == "" {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Printf("[redis] Ping %s failed, using local rate limits: %v", cfg.Addr, err)
		_ = rdb.Close()
		return nil
	}
	log.Printf("[redis] Connected to %s", cfg.Addr)
	return rdb
}
