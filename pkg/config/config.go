package config

import "os"

// Config holds server configuration.
type Config struct {
	Host              string
	Port              string
	LogLevel          string
	DatabaseURL       string
	StateSnapshotPath string
	RedisAddr         string
	OTLPEndpoint      string
	SeedDemoTenant    bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	host := os.Getenv("HOST")
	if host == "" {
		host = "0.0.0.0"
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	snapshotPath := os.Getenv("STATE_SNAPSHOT_PATH")
	if snapshotPath == "" {
		snapshotPath = "./.runtime/state-snapshot.json"
	}

	return &Config{
		Host:              host,
		Port:              port,
		LogLevel:          logLevel,
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StateSnapshotPath: snapshotPath,
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
		SeedDemoTenant:    os.Getenv("SEED_DEMO_TENANT") == "true",
	}
}
