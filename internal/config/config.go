package config

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"otp-service/internal/util"
)

type Config struct {
	Environment string

	Server     ServerConfig
	Redis      RedisConfig
	Scylla     ScyllaConfig
	Kafka      KafkaConfig
	Clickhouse ClickhouseConfig
	OTP        OTPConfig
	SMTP       SMTPConfig
	SMS        SMSConfig
	WhatsApp   WhatsAppConfig
	Bucketing  BucketingConfig
	Logging    LoggingConfig

	// StoreBackend selects the persistence backend: "scylla" (with Redis
	// rate limiting) or "memory" for a single-process deployment.
	StoreBackend string
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers       []string
	AttemptTopic  string
	VerifiedTopic string
	Enabled       bool
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
	Enabled  bool
}

// OTPConfig carries the tunables of the code lifecycle and throttling.
// Defaults match the product decision of 6-digit codes valid for 10 minutes
// and at most 5 issuance attempts per 10-minute window per address.
type OTPConfig struct {
	CodeTTL        time.Duration
	IssueLimit     int
	LimitWindow    time.Duration
	BlockDuration  time.Duration
	ThrottleChecks bool
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Sender   string
}

type SMSConfig struct {
	APIURL   string
	APIKey   string
	SenderID string
	Route    string
}

type WhatsAppConfig struct {
	APIURL      string
	AccessToken string
	Namespace   string
}

type BucketingConfig struct {
	EventBuckets int
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	cfg     *Config
	cfgOnce sync.Once
)

// LoadConfig reads configuration from the environment, loading .env first
// in non-production setups.
func LoadConfig() *Config {
	cfgOnce.Do(func() {
		if err := godotenv.Load(); err != nil {
			util.Warn("No .env file loaded, relying on environment", util.ErrorField(err))
		}

		cfg = &Config{
			Environment:  util.GetEnv("ENVIRONMENT", "development"),
			StoreBackend: util.GetEnv("STORE_BACKEND", "scylla"),
			Server: ServerConfig{
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				Domain:       util.GetEnv("SERVER_DOMAIN", "localhost"),
				CertFile:     util.GetEnv("SERVER_CERT_FILE", ""),
				KeyFile:      util.GetEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  util.GetEnv("SERVER_AUTOCERT_DIR", "/var/lib/otp-service/certs"),
				Email:        util.GetEnv("SERVER_ACME_EMAIL", ""),
			},
			Redis: RedisConfig{
				URL:      util.GetEnv("REDIS_URL", "redis://localhost:6379"),
				Password: util.GetEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", "127.0.0.1:9042"),
				Keyspace: util.GetEnv("SCYLLA_KEYSPACE", "otp"),
				Username: util.GetEnv("SCYLLA_USERNAME", ""),
				Password: util.GetEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:       getEnvList("KAFKA_BROKERS", "localhost:9092"),
				AttemptTopic:  util.GetEnv("KAFKA_ATTEMPT_TOPIC", "otp.attempts"),
				VerifiedTopic: util.GetEnv("KAFKA_VERIFIED_TOPIC", "otp.verified"),
				Enabled:       getEnvBool("KAFKA_ENABLED", true),
			},
			Clickhouse: ClickhouseConfig{
				URL:      util.GetEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Database: util.GetEnv("CLICKHOUSE_DATABASE", "otp_analytics"),
				Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
				Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
				Enabled:  getEnvBool("CLICKHOUSE_ENABLED", true),
			},
			OTP: OTPConfig{
				CodeTTL:        getEnvDuration("OTP_CODE_TTL", 10*time.Minute),
				IssueLimit:     getEnvInt("OTP_ISSUE_LIMIT", 5),
				LimitWindow:    getEnvDuration("OTP_LIMIT_WINDOW", 10*time.Minute),
				BlockDuration:  getEnvDuration("OTP_BLOCK_DURATION", 10*time.Minute),
				ThrottleChecks: getEnvBool("OTP_THROTTLE_CHECKS", false),
			},
			SMTP: SMTPConfig{
				Host:     util.GetEnv("SMTP_HOST", "smtp.gmail.com"),
				Port:     getEnvInt("SMTP_PORT", 587),
				Username: util.GetEnv("SMTP_USERNAME", ""),
				Password: util.GetEnv("SMTP_PASSWORD", ""),
				Sender:   util.GetEnv("SMTP_SENDER", "no-reply@localhost"),
			},
			SMS: SMSConfig{
				APIURL:   util.GetEnv("SMS_API_URL", "https://www.fast2sms.com/dev/bulkV2"),
				APIKey:   util.GetEnv("SMS_API_KEY", ""),
				SenderID: util.GetEnv("SMS_SENDER_ID", ""),
				Route:    util.GetEnv("SMS_ROUTE", "dlt"),
			},
			WhatsApp: WhatsAppConfig{
				APIURL:      util.GetEnv("WHATSAPP_API_URL", ""),
				AccessToken: util.GetEnv("WHATSAPP_ACCESS_TOKEN", ""),
				Namespace:   util.GetEnv("WHATSAPP_NAMESPACE", ""),
			},
			Bucketing: BucketingConfig{
				EventBuckets: getEnvInt("BUCKETING_EVENT_BUCKETS", 64),
			},
			Logging: LoggingConfig{
				Level:  util.GetEnv("LOG_LEVEL", "info"),
				Format: util.GetEnv("LOG_FORMAT", "json"),
			},
		}
	})

	return cfg
}

// Get returns the loaded configuration, loading it on first use
func Get() *Config {
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func getEnvInt(key string, defaultValue int) int {
	raw := util.GetEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		util.Warn("Invalid integer in environment, using default",
			util.String("key", key),
			util.String("value", raw))
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	raw := util.GetEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := util.GetEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		util.Warn("Invalid duration in environment, using default",
			util.String("key", key),
			util.String("value", raw))
		return defaultValue
	}
	return v
}

func getEnvList(key, defaultValue string) []string {
	raw := util.GetEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
