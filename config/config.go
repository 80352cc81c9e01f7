package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	Redis      RedisConfig
	Cloudinary CloudinaryConfig
	Firebase   FirebaseConfig
	Mpesa      MpesaConfig
	Payment    PaymentConfig
	Events     EventsConfig
	Sweeper    SweeperConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port         string
	Env          string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Driver          string // mysql | postgres
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	Tracing         bool
}

type JWTConfig struct {
	AccessSecret string
	AccessExpiry time.Duration
	Issuer       string
}

type RedisConfig struct {
	Addr        string // empty disables the settings cache and callback locks
	Password    string
	DB          int
	SettingsTTL time.Duration
	LockTTL     time.Duration
}

type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

type FirebaseConfig struct {
	ServiceAccountPath string
}

// MpesaConfig holds the global default gateway settings. Property and
// organization overrides live in the gateway_settings table.
type MpesaConfig struct {
	Environment      string // sandbox | production | stub
	ConsumerKey      string
	ConsumerSecret   string
	Passkey          string
	Shortcode        string
	AccountReference string
	WebhookSecret    string
	CallbackBaseURL  string // e.g. https://api.example.com
	HTTPTimeout      time.Duration
}

type PaymentConfig struct {
	Currency             string
	AmountMismatchPolicy string // requested | confirmed
}

type EventsConfig struct {
	Driver        string // none | kafka | pubsub
	KafkaBrokers  []string
	Topic         string
	PubSubProject string
}

type SweeperConfig struct {
	Enabled        bool
	Schedule       string
	InitiatedGrace time.Duration
	PendingAfter   time.Duration
	ExpireAfter    time.Duration
	BatchSize      int
}

type LogConfig struct {
	Level string
}

func Load() *Config {
	_ = godotenv.Load()
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8099"),
			Env:          getEnv("APP_ENV", "development"),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "mysql"),
			DSN:             getEnv("DB_DSN", "propdesk:propdesk@tcp(localhost:3306)/propdesk?charset=utf8mb4&parseTime=True&loc=UTC"),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 100),
			ConnMaxLifetime: time.Hour,
			Tracing:         getEnvBool("DB_TRACING", false),
		},
		JWT: JWTConfig{
			AccessSecret: getEnv("JWT_ACCESS_SECRET", "change-me-in-production"),
			AccessExpiry: getEnvDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			Issuer:       getEnv("JWT_ISSUER", "propdesk"),
		},
		Redis: RedisConfig{
			Addr:        os.Getenv("REDIS_ADDRESS"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          getEnvInt("REDIS_DB", 0),
			SettingsTTL: getEnvDuration("REDIS_SETTINGS_TTL", 5*time.Minute),
			LockTTL:     getEnvDuration("REDIS_LOCK_TTL", 30*time.Second),
		},
		Cloudinary: CloudinaryConfig{
			CloudName: os.Getenv("CLOUDINARY_CLOUD_NAME"),
			APIKey:    os.Getenv("CLOUDINARY_API_KEY"),
			APISecret: os.Getenv("CLOUDINARY_API_SECRET"),
			Folder:    getEnv("CLOUDINARY_RECEIPTS_FOLDER", "receipts"),
		},
		Firebase: FirebaseConfig{
			ServiceAccountPath: os.Getenv("FIREBASE_SERVICE_ACCOUNT_PATH"),
		},
		Mpesa: MpesaConfig{
			Environment:      getEnv("MPESA_ENVIRONMENT", "sandbox"),
			ConsumerKey:      os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret:   os.Getenv("MPESA_CONSUMER_SECRET"),
			Passkey:          os.Getenv("MPESA_PASSKEY"),
			Shortcode:        getEnv("MPESA_SHORTCODE", "174379"),
			AccountReference: getEnv("MPESA_ACCOUNT_REFERENCE", "RENT"),
			WebhookSecret:    os.Getenv("MPESA_WEBHOOK_SECRET"),
			CallbackBaseURL:  getEnv("MPESA_CALLBACK_BASE_URL", "https://localhost:8099"),
			HTTPTimeout:      getEnvDuration("MPESA_HTTP_TIMEOUT", 30*time.Second),
		},
		Payment: PaymentConfig{
			Currency:             getEnv("PAYMENT_CURRENCY", "KES"),
			AmountMismatchPolicy: getEnv("PAYMENT_AMOUNT_MISMATCH_POLICY", "requested"),
		},
		Events: EventsConfig{
			Driver:        getEnv("EVENTS_DRIVER", "none"),
			KafkaBrokers:  splitList(getEnv("KAFKA_BROKERS", "kafka:9092")),
			Topic:         getEnv("EVENTS_TOPIC", "payments"),
			PubSubProject: os.Getenv("PUBSUB_PROJECT_ID"),
		},
		Sweeper: SweeperConfig{
			Enabled:        getEnvBool("SWEEPER_ENABLED", true),
			Schedule:       getEnv("SWEEPER_SCHEDULE", "@every 5m"),
			InitiatedGrace: getEnvDuration("SWEEPER_INITIATED_GRACE", 2*time.Minute),
			PendingAfter:   getEnvDuration("SWEEPER_PENDING_AFTER", 3*time.Minute),
			ExpireAfter:    getEnvDuration("SWEEPER_EXPIRE_AFTER", 24*time.Hour),
			BatchSize:      getEnvInt("SWEEPER_BATCH_SIZE", 100),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
