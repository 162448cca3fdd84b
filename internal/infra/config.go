package infra

import (
	"os"
	"strconv"
	"time"
)

// Config represents worker configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	// ComfyUI engine endpoint and per-request budget.
	ComfyBaseURI   string
	RequestTimeout time.Duration

	// Readiness probe used before accepting work.
	APIAvailableMaxRetries int
	APIAvailableInterval   time.Duration

	// Event stream reconnect budget.
	WSReconnectAttempts int
	WSReconnectDelay    time.Duration
	WSDebugFile         string

	// History polling budget.
	HistoryAttempts int
	HistoryDelay    time.Duration

	// Output finalization budget.
	FinalizeAttempts int
	FinalizeDelay    time.Duration

	// Object storage. Presence of BucketEndpointURL switches output
	// encoding from inline base64 to uploaded URLs.
	BucketEndpointURL string
	BucketName        string
	BucketRegion      string
	BucketAccessKeyID string
	BucketSecretKey   string

	WorkflowsDir string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies
// defaults matching a stock local ComfyUI deployment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv: getEnv("APP_ENV", "development"),
		Port:   getEnv("PORT", "3000"),

		ComfyBaseURI:   getEnv("COMFY_BASE_URI", "http://127.0.0.1:8188"),
		RequestTimeout: time.Second * time.Duration(getEnvInt("TIMEOUT", 600)),

		APIAvailableMaxRetries: getEnvInt("COMFY_API_AVAILABLE_MAX_RETRIES", 500),
		APIAvailableInterval:   time.Millisecond * time.Duration(getEnvInt("COMFY_API_AVAILABLE_INTERVAL_MS", 50)),

		WSReconnectAttempts: getEnvInt("WEBSOCKET_RECONNECT_ATTEMPTS", 5),
		WSReconnectDelay:    time.Second * time.Duration(getEnvInt("WEBSOCKET_RECONNECT_DELAY_S", 3)),
		WSDebugFile:         os.Getenv("COMFY_WS_DEBUG_FILE"),

		HistoryAttempts: getEnvInt("COMFY_HISTORY_ATTEMPTS", 120),
		HistoryDelay:    time.Second * time.Duration(getEnvInt("COMFY_HISTORY_DELAY_SECONDS", 2)),

		FinalizeAttempts: getEnvInt("OUTPUT_FINALIZE_ATTEMPTS", 10),
		FinalizeDelay:    time.Second * time.Duration(getEnvInt("OUTPUT_FINALIZE_DELAY_S", 2)),

		BucketEndpointURL: os.Getenv("BUCKET_ENDPOINT_URL"),
		BucketName:        getEnv("BUCKET_NAME", "outputs"),
		BucketRegion:      getEnv("BUCKET_REGION", "us-east-1"),
		BucketAccessKeyID: os.Getenv("BUCKET_ACCESS_KEY_ID"),
		BucketSecretKey:   os.Getenv("BUCKET_SECRET_ACCESS_KEY"),

		WorkflowsDir: getEnv("WORKFLOWS_DIR", "./workflows"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 30)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 660)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
