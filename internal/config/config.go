package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ControlPlanePort  string
	ControlPlaneURL   string
	ActionRunnerURL   string
	PostgresURL       string
	TemporalAddress   string
	TemporalTaskQueue string
	LLMMode           string
	LLMProvider       string
	LLMModel          string
	LLMClassifier     string
	LLMBaseURL        string
	OpenAIAPIKey      string
	OpenRouterAPIKey  string
	SecretsKey        string
	WalletSessionKey  string
	AutopilotDefault  bool
	DisabledTools     []string
	MaxToolIterations int
}

func Load() Config {
	controlPlanePort := getEnv("CONTROL_PLANE_PORT", "8080")
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	return Config{
		ControlPlanePort:  controlPlanePort,
		ControlPlaneURL:   getEnv("CONTROL_PLANE_URL", "http://localhost:"+controlPlanePort),
		ActionRunnerURL:   getEnv("ACTION_RUNNER_URL", "http://localhost:8090"),
		PostgresURL:       postgresURL,
		TemporalAddress:   getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue: getEnv("TEMPORAL_TASK_QUEUE", "meridian-conversations"),
		LLMMode:           getEnv("LLM_MODE", "remote"),
		LLMProvider:       getEnv("LLM_PROVIDER", "openai"),
		LLMModel:          getEnv("LLM_MODEL", "gpt-4o"),
		LLMClassifier:     getEnv("LLM_CLASSIFIER_MODEL", "gpt-4o-mini"),
		LLMBaseURL:        getEnv("LLM_BASE_URL", ""),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
		SecretsKey:        getEnv("MERIDIAN_SECRETS_KEY", ""),
		WalletSessionKey:  getEnv("WALLET_SESSION_KEY", ""),
		AutopilotDefault:  getEnvBool("AUTOPILOT_DEFAULT", false),
		DisabledTools:     getEnvList("DISABLED_TOOLS"),
		MaxToolIterations: getEnvInt("MAX_TOOL_ITERATIONS", 6),
	}
}

// Capabilities reports which environment-backed capabilities are satisfied.
// Tools whose required capabilities are missing are never advertised.
func (c Config) Capabilities() map[string]bool {
	return map[string]bool{
		"wallet":        strings.TrimSpace(c.WalletSessionKey) != "",
		"action-runner": strings.TrimSpace(c.ActionRunnerURL) != "",
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "meridian")
	password := getEnv("POSTGRES_PASSWORD", "meridian")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "meridian")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
