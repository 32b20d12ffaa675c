package config

import "os"

const (
	// Database configuration
	DefaultServerURL = "http://localhost:5984"
	DefaultUsername  = "admin"
	DefaultPassword  = "password"
	DefaultDatabase  = "animaldb"
	DefaultRedisAddr = "localhost:6379"

	// Changes feed configuration
	HeartbeatMillis = 10000
	FeedLimit       = 100

	// Server configuration
	MetricsPort = ":2112"

	// OpenTelemetry configuration
	OTLPEndpoint   = "localhost:4317"
	ServiceName    = "couchrelay-changes-example"
	ServiceVersion = "0.1.0"

	// Operation intervals
	OperationInterval = 5 // seconds
)

// Env returns the environment variable key, or fallback when it is unset.
func Env(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
