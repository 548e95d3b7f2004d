package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"otp-service/internal/bucketing"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/dispatch"
	"otp-service/internal/event"
	"otp-service/internal/handler"
	"otp-service/internal/model"
	"otp-service/internal/repository/memory"
	redisrepo "otp-service/internal/repository/redis"
	"otp-service/internal/repository/scylla"
	"otp-service/internal/service"
	"otp-service/internal/tls"
	"otp-service/internal/util"
)

// Retention grace before expired rows are physically removed
const expiredRetention = 24 * time.Hour

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Stores
	codeStore      model.CodeStore
	rateLimitStore model.RateLimitStore

	// Managers
	bucketingManager *bucketing.BucketingManager
	dispatcher       *dispatch.Dispatcher
	recorder         *event.Recorder
	otpService       *service.OTPService
	otpHandler       *handler.OTPHandler

	janitorStop chan struct{}
	closeOnce   sync.Once
	closed      chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config:      cfg,
		janitorStop: make(chan struct{}),
		closed:      make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeStores(); err != nil {
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}

	factory.initializeServices()
	factory.startJanitor()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.StoreBackend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
	)

	return factory, nil
}

// initializeStores wires the persistence backend selected by STORE_BACKEND
func (f *Factory) initializeStores() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if f.config.StoreBackend == "memory" {
		f.codeStore = memory.NewCodeStore()
		f.rateLimitStore = memory.NewRateLimitStore()
		util.Warn("Using in-memory stores, all state is lost on restart")
	} else {
		var initErrors []error

		if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
			} else {
				util.Info("Redis client initialized and healthy")
			}
		}

		if c, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
			if err := f.scyllaClient.HealthCheck(); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			} else {
				util.Info("ScyllaDB client initialized and healthy")
			}
		}

		if len(initErrors) > 0 {
			if f.config.IsProduction() {
				return fmt.Errorf("critical store initialization failed: %v", initErrors)
			}
			for _, err := range initErrors {
				util.Warn("Store initialization warning", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.codeStore = scylla.NewCodeStore(f.scyllaClient, util.Get())
		} else {
			f.codeStore = memory.NewCodeStore()
			util.Warn("Falling back to in-memory code store")
		}
		if f.redisClient != nil {
			f.rateLimitStore = redisrepo.NewRateLimitStore(f.redisClient)
		} else {
			f.rateLimitStore = memory.NewRateLimitStore()
			util.Warn("Falling back to in-memory rate limit store")
		}
	}

	// Event sinks are optional in every backend mode
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed, proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			util.Warn("ClickHouse initialization failed, proceeding without audit sink", util.ErrorField(err))
		} else {
			f.clickhouseClient = c
		}
	}

	return nil
}

func (f *Factory) initializeServices() {
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	f.dispatcher = dispatch.NewDispatcher()
	f.dispatcher.Register(model.ChannelEmail, dispatch.NewEmailSender(f.config))
	f.dispatcher.Register(model.ChannelSMS, dispatch.NewSMSSender(f.config))
	f.dispatcher.Register(model.ChannelWhatsApp, dispatch.NewWhatsAppSender(f.config))

	f.recorder = event.NewRecorder(f.kafkaProducer, f.clickhouseClient, f.bucketingManager, f.config)

	limiter := service.NewRateLimiter(f.rateLimitStore, f.config)
	var checkLimiter *service.RateLimiter
	if f.config.OTP.ThrottleChecks {
		checkLimiter = service.NewCheckRateLimiter(f.rateLimitStore, f.config)
	}

	f.otpService = service.NewOTPService(
		f.codeStore,
		limiter,
		checkLimiter,
		f.dispatcher,
		f.recorder,
		f.config,
	)

	f.otpHandler = handler.NewOTPHandler(f.otpService, util.Get())

	util.Info("Services initialized successfully",
		util.Bool("check_throttling", f.config.OTP.ThrottleChecks),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.Bool("clickhouse_enabled", f.clickhouseClient != nil),
	)
}

// startJanitor periodically removes rows that aged past the retention grace.
// Verification never depends on this; expiry is enforced on read.
func (f *Factory) startJanitor() {
	interval := f.config.OTP.CodeTTL
	if interval < time.Minute {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				cutoff := time.Now().UTC().Add(-expiredRetention)
				if deleted, err := f.codeStore.DeleteExpired(ctx, cutoff); err != nil {
					util.Warn("Expired code cleanup failed", util.ErrorField(err))
				} else if deleted > 0 {
					util.Info("Expired code cleanup completed", util.Int("deleted", deleted))
				}
				cancel()
			case <-f.janitorStop:
				return
			}
		}
	}()
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.codeStore != nil {
		if err := f.codeStore.HealthCheck(ctx); err != nil {
			healthErrors["code_store"] = err
		}
	} else {
		healthErrors["code_store"] = fmt.Errorf("code store not initialized")
	}

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		close(f.janitorStop)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) OTPService() *service.OTPService {
	return f.otpService
}

func (f *Factory) OTPHandler() *handler.OTPHandler {
	return f.otpHandler
}
