package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64
	RateLimitRPS   int
	RateLimitBurst int

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	StoreBackend     string

	// Redis
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	RedisDB          int
	SnapshotCacheTTL time.Duration

	// Kafka
	KafkaBrokers           []string
	KafkaGroupID           string
	ExtractionResultsTopic string
	SessionPurgeTopic      string
	AuditTopic             string
	AuditDLQTopic          string

	// Document processing collaborator
	ExtractionBaseURL string
	ExtractionTimeout time.Duration

	// Intake
	IntakeWorkers     int
	IntakeMaxAttempts int
	IntakeBaseDelay   time.Duration
	IntakeMaxDelay    time.Duration
	AutoAggregate     bool

	// Reconciliation rules
	RuleSetPath       string
	TerminologyPath   string
	RedactionRulePath string
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8090"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),
		RateLimitRPS:   getIntEnv("RATE_LIMIT_RPS", 200),
		RateLimitBurst: getIntEnv("RATE_LIMIT_BURST", 400),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "synaptica"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "synaptica123"),
		PostgresDB:       getEnv("POSTGRES_DB", "synaptica"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		StoreBackend:     getEnv("STORE_BACKEND", "postgres"),

		RedisHost:        getEnv("REDIS_HOST", "localhost"),
		RedisPort:        getEnv("REDIS_PORT", "6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getIntEnv("REDIS_DB", 0),
		SnapshotCacheTTL: getDuration("SNAPSHOT_CACHE_TTL", 10*time.Minute),

		KafkaBrokers:           getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:           getEnv("KAFKA_GROUP_ID", "record-reconciler"),
		ExtractionResultsTopic: getEnv("EXTRACTION_RESULTS_TOPIC", "extraction-results"),
		SessionPurgeTopic:      getEnv("SESSION_PURGE_TOPIC", "session-purged"),
		AuditTopic:             getEnv("AUDIT_TOPIC", "audit-events"),
		AuditDLQTopic:          getEnv("AUDIT_DLQ_TOPIC", ""),

		ExtractionBaseURL: getEnv("EXTRACTION_BASE_URL", "http://localhost:8082"),
		ExtractionTimeout: getDuration("EXTRACTION_TIMEOUT", 20*time.Second),

		IntakeWorkers:     getIntEnv("INTAKE_WORKERS", 4),
		IntakeMaxAttempts: getIntEnv("INTAKE_MAX_ATTEMPTS", 4),
		IntakeBaseDelay:   getDuration("INTAKE_BASE_DELAY", 250*time.Millisecond),
		IntakeMaxDelay:    getDuration("INTAKE_MAX_DELAY", 5*time.Second),
		AutoAggregate:     getBoolEnv("AUTO_AGGREGATE", true),

		RuleSetPath:       getEnv("RULESET_PATH", ""),
		TerminologyPath:   getEnv("TERMINOLOGY_PATH", ""),
		RedactionRulePath: getEnv("REDACTION_RULES_PATH", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
