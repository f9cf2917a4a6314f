package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv       string
	LogLevel     slog.Level
	LogFile      string
	LogFileMaxMB int

	HTTPAddr    string
	CORSOrigins []string

	SQLiteDriver          string
	SQLiteDSN             string
	SQLitePath            string
	SQLiteMaxOpenConns    int
	SQLiteMaxIdleConns    int
	SQLiteConnMaxLifetime time.Duration
	DBLogSQL              bool

	MQTTEnabled  bool
	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	MQTTTopic    string
	MQTTUsername string
	MQTTPassword string

	// PersistTimeout bounds a single insert attempt; at most one retry follows
	// after PersistRetryBackoff.
	PersistTimeout      time.Duration
	PersistRetryBackoff time.Duration
	BroadcastQueueSize  int
	HistoryDefaultLimit int

	TempMinC       float64
	TempMaxC       float64
	HumidityMinPct float64
	HumidityMaxPct float64

	KafkaBrokers []string
	KafkaTopic   string
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	logFileMaxMB, err := intFromEnv("LOG_FILE_MAX_MB", 50)
	if err != nil {
		return Config{}, err
	}

	httpAddr := strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	if httpAddr == "" {
		httpAddr = ":3000"
	}

	corsOrigins := listFromEnv("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"})

	driver := strings.TrimSpace(os.Getenv("SQLITE_DRIVER"))
	if driver == "" {
		driver = "sqlite3"
	}
	dsn := strings.TrimSpace(os.Getenv("SQLITE_DSN"))
	path := strings.TrimSpace(os.Getenv("SQLITE_PATH"))
	if path == "" {
		path = "../dev/sqlite/coldroom.db"
	}

	maxOpenConns, err := intFromEnv("SQLITE_MAX_OPEN_CONNS", 4)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := intFromEnv("SQLITE_MAX_IDLE_CONNS", 2)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := durationFromEnv("SQLITE_CONN_MAX_LIFETIME", 0)
	if err != nil {
		return Config{}, err
	}
	dbLogSQL, err := boolFromEnv("DB_LOG_SQL", false)
	if err != nil {
		return Config{}, err
	}

	mqttEnabled, err := boolFromEnv("MQTT_ENABLED", true)
	if err != nil {
		return Config{}, err
	}
	mqttBroker := strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	if mqttBroker == "" {
		mqttBroker = "localhost"
	}
	mqttPort, err := intFromEnv("MQTT_PORT", 1883)
	if err != nil {
		return Config{}, err
	}
	if mqttPort <= 0 || mqttPort > 65535 {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %d (allowed: 1-65535)", mqttPort)
	}
	mqttTopic := strings.TrimSpace(os.Getenv("MQTT_TOPIC"))
	if mqttTopic == "" {
		mqttTopic = "cuartos_frios/lecturas"
	}

	persistTimeout, err := durationFromEnv("PERSIST_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	if persistTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid PERSIST_TIMEOUT %s (must be > 0)", persistTimeout)
	}
	persistRetryBackoff, err := durationFromEnv("PERSIST_RETRY_BACKOFF", 200*time.Millisecond)
	if err != nil {
		return Config{}, err
	}

	queueSize, err := intFromEnv("BROADCAST_QUEUE_SIZE", 64)
	if err != nil {
		return Config{}, err
	}
	if queueSize <= 0 {
		return Config{}, fmt.Errorf("invalid BROADCAST_QUEUE_SIZE %d (must be > 0)", queueSize)
	}

	historyDefaultLimit, err := intFromEnv("HISTORY_DEFAULT_LIMIT", 50)
	if err != nil {
		return Config{}, err
	}
	if historyDefaultLimit <= 0 || historyDefaultLimit > 500 {
		return Config{}, fmt.Errorf("invalid HISTORY_DEFAULT_LIMIT %d (allowed: 1-500)", historyDefaultLimit)
	}

	tempMin, err := floatFromEnv("TEMP_MIN_C", -40)
	if err != nil {
		return Config{}, err
	}
	tempMax, err := floatFromEnv("TEMP_MAX_C", 80)
	if err != nil {
		return Config{}, err
	}
	humMin, err := floatFromEnv("HUMIDITY_MIN_PCT", 0)
	if err != nil {
		return Config{}, err
	}
	humMax, err := floatFromEnv("HUMIDITY_MAX_PCT", 100)
	if err != nil {
		return Config{}, err
	}
	if tempMin > tempMax {
		return Config{}, fmt.Errorf("TEMP_MIN_C %v must be <= TEMP_MAX_C %v", tempMin, tempMax)
	}
	if humMin > humMax {
		return Config{}, fmt.Errorf("HUMIDITY_MIN_PCT %v must be <= HUMIDITY_MAX_PCT %v", humMin, humMax)
	}

	kafkaBrokers := listFromEnv("KAFKA_BROKERS", nil)
	kafkaTopic := strings.TrimSpace(os.Getenv("KAFKA_TOPIC"))
	if kafkaTopic == "" {
		kafkaTopic = "coldroom.readings"
	}

	return Config{
		AppEnv:                appEnv,
		LogLevel:              level,
		LogFile:               strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileMaxMB:          logFileMaxMB,
		HTTPAddr:              httpAddr,
		CORSOrigins:           corsOrigins,
		SQLiteDriver:          driver,
		SQLiteDSN:             dsn,
		SQLitePath:            path,
		SQLiteMaxOpenConns:    maxOpenConns,
		SQLiteMaxIdleConns:    maxIdleConns,
		SQLiteConnMaxLifetime: connMaxLifetime,
		DBLogSQL:              dbLogSQL,
		MQTTEnabled:           mqttEnabled,
		MQTTBroker:            mqttBroker,
		MQTTPort:              mqttPort,
		MQTTClientID:          strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID")),
		MQTTTopic:             mqttTopic,
		MQTTUsername:          strings.TrimSpace(os.Getenv("MQTT_USERNAME")),
		MQTTPassword:          os.Getenv("MQTT_PASSWORD"),
		PersistTimeout:        persistTimeout,
		PersistRetryBackoff:   persistRetryBackoff,
		BroadcastQueueSize:    queueSize,
		HistoryDefaultLimit:   historyDefaultLimit,
		TempMinC:              tempMin,
		TempMaxC:              tempMax,
		HumidityMinPct:        humMin,
		HumidityMaxPct:        humMax,
		KafkaBrokers:          kafkaBrokers,
		KafkaTopic:            kafkaTopic,
	}, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

func intFromEnv(key string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func floatFromEnv(key string, def float64) (float64, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return f, nil
}

func boolFromEnv(key string, def bool) (bool, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return b, nil
}

func durationFromEnv(key string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

// listFromEnv splits a comma-separated value, dropping empty items.
func listFromEnv(key string, def []string) []string {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
