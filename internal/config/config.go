package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDevDatabaseURL = "sqlite://data/contacttrend.db"
	defaultSecretsFile    = ".trenddash/secrets.yaml"
	defaultCredentialDir  = ".trenddash"
	defaultDatasetID      = "918448497760"
	defaultSecretName     = "bigquery_credentials"
)

type CredentialMode string

const (
	// CredentialModeStructured reads a mapping secret and hands it to the client directly.
	CredentialModeStructured CredentialMode = "structured"
	// CredentialModeFile writes a key-file secret to disk and points the client at it.
	CredentialModeFile CredentialMode = "file"
)

type WarehouseDriver string

const (
	WarehouseBigQuery WarehouseDriver = "bigquery"
	WarehouseSQL      WarehouseDriver = "sql"
)

type Common struct {
	InstanceName string
	DatabaseURL  string
	LogLevel     string
	LogFormat    string

	SecretsFile string
	SecretName  string

	Credential struct {
		Mode      CredentialMode
		Dir       string
		ExportEnv bool
	}

	Warehouse struct {
		Driver      WarehouseDriver
		DatabaseURL string
		DatasetID   string
	}

	CacheTTL     time.Duration
	QueryTimeout time.Duration

	AlertWebhookURL   string
	AlertDedupeWindow time.Duration

	RunsListLimit int
}

type DashboardConfig struct {
	Common
	HTTPAddr               string
	RabbitURL              string
	RequestTimeout         time.Duration
	HealthLivenessEndpoint string
	HealthReadyEndpoint    string
}

type CLIConfig struct {
	Common
}

func LoadDashboard() (DashboardConfig, error) {
	common, err := loadCommon()
	if err != nil {
		return DashboardConfig{}, err
	}

	cfg := DashboardConfig{
		Common:   common,
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		RabbitURL: firstNonEmpty(
			os.Getenv("RABBITMQ_URL"),
			os.Getenv("MESSAGE_BROKER_URL"),
		),
		RequestTimeout:         getDuration("REQUEST_TIMEOUT", 60*time.Second),
		HealthLivenessEndpoint: getEnv("HEALTH_LIVENESS_PATH", "/healthz"),
		HealthReadyEndpoint:    getEnv("HEALTH_READY_PATH", "/readyz"),
	}

	return cfg, nil
}

func LoadCLI() (CLIConfig, error) {
	common, err := loadCommon()
	if err != nil {
		return CLIConfig{}, err
	}
	return CLIConfig{Common: common}, nil
}

func loadCommon() (Common, error) {
	hostname, _ := os.Hostname()

	common := Common{
		InstanceName: firstNonEmpty(os.Getenv("INSTANCE_NAME"), hostname, "contacttrend"),
		DatabaseURL: firstNonEmpty(
			os.Getenv("DATABASE_URL"),
			os.Getenv("CONNECTIONSTRINGS__DATABASE"),
			defaultDevDatabaseURL,
		),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "json")),
		SecretsFile:       getEnv("SECRETS_FILE", defaultSecretsFile),
		SecretName:        getEnv("SECRET_NAME", defaultSecretName),
		CacheTTL:          getDuration("TREND_CACHE_TTL", 15*time.Minute),
		QueryTimeout:      getDuration("QUERY_TIMEOUT", 0),
		AlertWebhookURL:   strings.TrimSpace(os.Getenv("ALERT_WEBHOOK_URL")),
		AlertDedupeWindow: getDuration("ALERT_DEDUPE_WINDOW", 5*time.Minute),
		RunsListLimit:     getInt("RUNS_LIST_LIMIT", 50),
	}

	mode := CredentialMode(strings.ToLower(getEnv("CREDENTIAL_MODE", string(CredentialModeStructured))))
	switch mode {
	case CredentialModeStructured, CredentialModeFile:
	default:
		return Common{}, fmt.Errorf("CREDENTIAL_MODE must be %q or %q, got %q", CredentialModeStructured, CredentialModeFile, mode)
	}
	common.Credential.Mode = mode
	common.Credential.Dir = getEnv("CREDENTIAL_DIR", defaultCredentialDir)
	common.Credential.ExportEnv = getBool("CREDENTIAL_EXPORT_ENV", false)

	driver := WarehouseDriver(strings.ToLower(getEnv("WAREHOUSE_DRIVER", string(WarehouseBigQuery))))
	switch driver {
	case WarehouseBigQuery, WarehouseSQL:
	default:
		return Common{}, fmt.Errorf("WAREHOUSE_DRIVER must be %q or %q, got %q", WarehouseBigQuery, WarehouseSQL, driver)
	}
	common.Warehouse.Driver = driver
	common.Warehouse.DatasetID = getEnv("DATASET_ID", defaultDatasetID)
	common.Warehouse.DatabaseURL = getEnv("WAREHOUSE_DATABASE_URL", common.DatabaseURL)

	if common.CacheTTL < 0 {
		return Common{}, fmt.Errorf("TREND_CACHE_TTL must not be negative")
	}

	return common, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
