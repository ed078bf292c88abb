package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	FabricKind    string
	FabricChannel string
	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	EventRingSize    int
	RetentionHours   int
	SyncBatchLimit   int
	PresenceTTLSec   int
	HeartbeatSec     int
	SweepIntervalSec int
	SendBufferSize   int

	EmitToken string

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

// Load builds configuration from the environment. It never fails outright:
// invalid values are reported as Problems so /readyz can surface them while
// the process still serves health checks.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := Config{
		Env:              strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		RequestTimeoutMS: 30000,
		JWKSTTLSeconds:   300,
		JWTClockSkewSec:  60,
		DBMaxConns:       10,
		DBMinConns:       1,
		DBConnMaxIdleSec: 300,
		DBConnMaxLifeSec: 1800,
		AsynqQueue:       "default",
		AsynqConcurrency: 10,
		FabricKind:       "redis",
		FabricChannel:    "sync:events",
		KafkaRetryMax:    5,
		KafkaWriteMS:     5000,
		EventRingSize:    1000,
		RetentionHours:   24,
		SyncBatchLimit:   100,
		PresenceTTLSec:   300,
		HeartbeatSec:     30,
		SweepIntervalSec: 300,
		SendBufferSize:   64,
		RateLimitRPS:     10,
		RateLimitBurst:   20,
		InfluxTimeoutMS:  5000,
		OtelInsecure:     true,
		OtelSampleRatio:  1.0,
	}

	problems := make([]Problem, 0, 4)

	envString(&cfg.ServiceName, "SERVICE_NAME")
	envString(&cfg.LogLevel, "LOG_LEVEL")
	envString(&cfg.OIDCIssuer, "OIDC_ISSUER")
	envString(&cfg.OIDCAudience, "OIDC_AUDIENCE")
	envString(&cfg.OIDCJWKSURL, "OIDC_JWKS_URL")
	envString(&cfg.DatabaseURL, "DATABASE_URL")
	envString(&cfg.RedisAddr, "REDIS_ADDR")
	envString(&cfg.RedisPassword, "REDIS_PASSWORD")
	envString(&cfg.AsynqRedisAddr, "ASYNQ_REDIS_ADDR")
	envString(&cfg.AsynqRedisPass, "ASYNQ_REDIS_PASSWORD")
	envString(&cfg.AsynqQueue, "ASYNQ_QUEUE")
	envString(&cfg.FabricKind, "FABRIC_KIND")
	envString(&cfg.FabricChannel, "FABRIC_CHANNEL")
	envString(&cfg.KafkaClientID, "KAFKA_CLIENT_ID")
	envString(&cfg.KafkaGroupID, "KAFKA_CONSUMER_GROUP")
	envString(&cfg.EmitToken, "EMIT_TOKEN")
	envString(&cfg.InfluxURL, "INFLUX_URL")
	envString(&cfg.InfluxToken, "INFLUX_TOKEN")
	envString(&cfg.InfluxOrg, "INFLUX_ORG")
	envString(&cfg.InfluxBucket, "INFLUX_BUCKET")
	envString(&cfg.OtelEndpoint, "OTEL_EXPORTER_ENDPOINT")

	envInt(&cfg.HTTPPort, "HTTP_PORT", &problems)
	envInt(&cfg.RequestTimeoutMS, "REQUEST_TIMEOUT_MS", &problems)
	envInt(&cfg.JWKSTTLSeconds, "JWKS_CACHE_TTL_SECONDS", &problems)
	envInt(&cfg.JWTClockSkewSec, "JWT_CLOCK_SKEW_SECONDS", &problems)
	envInt(&cfg.DBMaxConns, "DB_MAX_CONNS", &problems)
	envInt(&cfg.DBMinConns, "DB_MIN_CONNS", &problems)
	envInt(&cfg.DBConnMaxIdleSec, "DB_CONN_MAX_IDLE_SECONDS", &problems)
	envInt(&cfg.DBConnMaxLifeSec, "DB_CONN_MAX_LIFETIME_SECONDS", &problems)
	envInt(&cfg.RedisDB, "REDIS_DB", &problems)
	envInt(&cfg.AsynqRedisDB, "ASYNQ_REDIS_DB", &problems)
	envInt(&cfg.AsynqConcurrency, "ASYNQ_CONCURRENCY", &problems)
	envInt(&cfg.KafkaRetryMax, "KAFKA_RETRY_MAX", &problems)
	envInt(&cfg.KafkaWriteMS, "KAFKA_WRITE_TIMEOUT_MS", &problems)
	envInt(&cfg.EventRingSize, "EVENT_RING_SIZE", &problems)
	envInt(&cfg.RetentionHours, "EVENT_RETENTION_HOURS", &problems)
	envInt(&cfg.SyncBatchLimit, "SYNC_BATCH_LIMIT", &problems)
	envInt(&cfg.PresenceTTLSec, "PRESENCE_TTL_SECONDS", &problems)
	envInt(&cfg.HeartbeatSec, "PRESENCE_HEARTBEAT_SECONDS", &problems)
	envInt(&cfg.SweepIntervalSec, "SWEEP_INTERVAL_SECONDS", &problems)
	envInt(&cfg.SendBufferSize, "SEND_BUFFER_SIZE", &problems)
	envInt(&cfg.InfluxTimeoutMS, "INFLUX_TIMEOUT_MS", &problems)

	envBool(&cfg.OtelEnabled, "OTEL_ENABLED", &problems)
	envBool(&cfg.OtelInsecure, "OTEL_INSECURE", &problems)
	envFloat(&cfg.OtelSampleRatio, "OTEL_SAMPLE_RATIO", &problems)

	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); v != "" {
		cfg.CORSAllowedOrigins = parseCSV(v)
	}
	envFloat(&cfg.RateLimitRPS, "RATE_LIMIT_RPS", &problems)
	envInt(&cfg.RateLimitBurst, "RATE_LIMIT_BURST", &problems)

	if cfg.OIDCIssuer != "" && cfg.OIDCJWKSURL == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.FabricKind != "redis" && cfg.FabricKind != "kafka" && cfg.FabricKind != "none" {
		problems = append(problems, Problem{Field: "FABRIC_KIND", Message: "FABRIC_KIND must be redis, kafka or none"})
		cfg.FabricKind = "redis"
	}
	if cfg.FabricKind == "kafka" && len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required when FABRIC_KIND=kafka"})
	}
	if cfg.EventRingSize <= 0 {
		problems = append(problems, Problem{Field: "EVENT_RING_SIZE", Message: "EVENT_RING_SIZE must be > 0"})
		cfg.EventRingSize = 1000
	}
	if cfg.RetentionHours <= 0 {
		problems = append(problems, Problem{Field: "EVENT_RETENTION_HOURS", Message: "EVENT_RETENTION_HOURS must be > 0"})
		cfg.RetentionHours = 24
	}
	if cfg.SyncBatchLimit <= 0 {
		problems = append(problems, Problem{Field: "SYNC_BATCH_LIMIT", Message: "SYNC_BATCH_LIMIT must be > 0"})
		cfg.SyncBatchLimit = 100
	}
	if cfg.PresenceTTLSec <= 0 {
		problems = append(problems, Problem{Field: "PRESENCE_TTL_SECONDS", Message: "PRESENCE_TTL_SECONDS must be > 0"})
		cfg.PresenceTTLSec = 300
	}
	if cfg.HeartbeatSec <= 0 || cfg.HeartbeatSec >= cfg.PresenceTTLSec {
		problems = append(problems, Problem{Field: "PRESENCE_HEARTBEAT_SECONDS", Message: "PRESENCE_HEARTBEAT_SECONDS must be > 0 and < PRESENCE_TTL_SECONDS"})
		cfg.HeartbeatSec = 30
	}
	if cfg.SweepIntervalSec <= 0 {
		problems = append(problems, Problem{Field: "SWEEP_INTERVAL_SECONDS", Message: "SWEEP_INTERVAL_SECONDS must be > 0"})
		cfg.SweepIntervalSec = 300
	}
	if cfg.SendBufferSize <= 0 {
		problems = append(problems, Problem{Field: "SEND_BUFFER_SIZE", Message: "SEND_BUFFER_SIZE must be > 0"})
		cfg.SendBufferSize = 64
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be in [0,1]"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func (c Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSec) * time.Second
}

func envString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string, problems *[]Problem) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dst = n
}

func envBool(dst *bool, key string, problems *[]Problem) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
		return
	}
	*dst = b
}

func envFloat(dst *float64, key string, problems *[]Problem) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
		return
	}
	*dst = f
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
