package main

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config reúne a configuração do serviço lida do ambiente
type Config struct {
	Port        string
	ServiceName string
	ServiceURL  string

	StorageDriver  string
	MigrationsPath string
	SeedFile       string

	RedisAddr       string
	DeliveryLockTTL time.Duration

	Gateway         GatewayConfig
	FallbackEnabled bool

	Notifier NotifierConfig
	Mailer   MailerConfig

	OTelEnabled  bool
	OTelEndpoint string
}

// LoadConfig carrega um .env opcional e lê as variáveis de ambiente
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("⚠️  Could not load .env file: %v", err)
	}

	mode, err := ParseNotificationMode(getEnv("NOTIFICATION_MODE", string(NotificationModeAsync)))
	if err != nil {
		return Config{}, err
	}

	serviceURL := getEnv("SERVICE_URL", "http://settlement-service:8080")

	return Config{
		Port:        getEnv("PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "settlement-service"),
		ServiceURL:  serviceURL,

		StorageDriver:  strings.ToLower(getEnv("STORAGE_DRIVER", "postgres")),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "file://migrations"),
		SeedFile:       getEnv("SEED_FILE", ""),

		RedisAddr:       getEnv("REDIS_ADDR", ""),
		DeliveryLockTTL: getEnvDuration("DELIVERY_LOCK_TTL", 30*time.Second),

		Gateway: GatewayConfig{
			StatusURL:   getEnv("GATEWAY_STATUS_URL", ""),
			APIKey:      getEnv("GATEWAY_API_KEY", ""),
			SecretKey:   getEnv("GATEWAY_SECRET_KEY", ""),
			TerminalUID: getEnv("GATEWAY_TERMINAL_UID", ""),
			Timeout:     getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		},
		FallbackEnabled: getEnvBool("VERIFICATION_FALLBACK_ENABLED", true),

		Notifier: NotifierConfig{
			Mode:        mode,
			Workers:     getEnvInt("NOTIFY_WORKERS", 2),
			QueueSize:   getEnvInt("NOTIFY_QUEUE_SIZE", 100),
			MaxAttempts: getEnvInt("NOTIFY_MAX_ATTEMPTS", 3),
			DTMServer:   getEnv("DTM_SERVER", "http://dtm:36789/api/dtmsvr"),
			ServiceURL:  serviceURL,
		},
		Mailer: MailerConfig{
			APIURL:     getEnv("MAIL_API_URL", ""),
			APIKey:     getEnv("MAIL_API_KEY", ""),
			From:       getEnv("MAIL_FROM", "orders@example.com"),
			AdminEmail: getEnv("ADMIN_EMAIL", ""),
		},

		OTelEnabled:  getEnvBool("OTEL_ENABLED", true),
		OTelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
	}, nil
}

// DatabaseDSN monta a DSN do Postgres a partir de DATABASE_*
func DatabaseDSN() string {
	return "postgres://" +
		getEnv("DATABASE_USER", "root") + ":" +
		getEnv("DATABASE_PASSWORD", "pass") + "@" +
		getEnv("DATABASE_HOST", "localhost") + ":" +
		getEnv("DATABASE_PORT", "5432") + "/" +
		getEnv("DATABASE_NAME", "settlement_db") + "?sslmode=disable"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("⚠️  Invalid %s=%q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("⚠️  Invalid %s=%q, using default %t", key, value, defaultValue)
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("⚠️  Invalid %s=%q, using default %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}
