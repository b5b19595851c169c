package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr     string
	DataDir      string
	DBPath       string
	WorkingDir   string
	RegistryPath string

	RuntimeModel      string
	AnthropicAPIKey   string
	OpenAIAPIKey      string
	EmbeddingModel    string
	PermissionTimeout time.Duration
	BackgroundTimeout time.Duration
	ConcurrencyCap    int
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("GO_SESSIONS_DATA_DIR", "data")
	workingDir := getEnv("GO_SESSIONS_WORKING_DIR", "working")
	return Config{
		HTTPAddr:     getEnv("GO_SESSIONS_HTTP_ADDR", ":8080"),
		DataDir:      dataDir,
		DBPath:       getEnv("GO_SESSIONS_DB_PATH", filepath.Join(dataDir, "go-sessions.db")),
		WorkingDir:   workingDir,
		RegistryPath: getEnv("GO_SESSIONS_REGISTRY_PATH", filepath.Join(workingDir, "registry.yaml")),

		RuntimeModel:      getEnv("GO_SESSIONS_RUNTIME_MODEL", "claude-sonnet-4-20250514"),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		EmbeddingModel:    getEnv("GO_SESSIONS_EMBEDDING_MODEL", "text-embedding-3-small"),
		PermissionTimeout: getDuration("GO_SESSIONS_PERMISSION_TIMEOUT", 60*time.Second),
		BackgroundTimeout: getDuration("GO_SESSIONS_BACKGROUND_TIMEOUT", 10*time.Minute),
		ConcurrencyCap:    getInt("GO_SESSIONS_CONCURRENCY_CAP", 5),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
