package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the agentdeck coordinator and runner.
type Config struct {
	Port     int
	APIKey   string // public API key; empty disables auth (development mode)
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string
	DataDir     string // Local data directory (sandbox workspaces, session snapshots, journal)
	AgentsDir   string // Directory holding deployed agent folders

	// Internal control-plane auth (coordinator <-> runner)
	InternalSecret string

	// NATS for session event sync
	NATSURL string

	// Runner identity
	RunnerID       string
	RunnerHost     string // address the coordinator uses to reach this runner
	RunnerPort     int
	CoordinatorURL string // e.g. "http://localhost:8080"
	MaxSandboxes   int

	// Bridge process
	BridgeCommand []string // argv for the bridge child; first element is the binary

	// Timeouts
	BridgeHandshakeTimeout time.Duration
	IdleTimeout            time.Duration
	IdleSweepInterval      time.Duration
	HeartbeatInterval      time.Duration
	LivenessTimeout        time.Duration
	SSEWriteTimeout        time.Duration
	ShutdownGrace          time.Duration

	// Sandbox resource limits
	SandboxMemoryMB  int
	SandboxCPUSec    int
	SandboxMaxPids   int
	SandboxMaxFileMB int

	// S3-compatible object storage for workspace snapshot backup (optional)
	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool

	// AWS Secrets Manager. If set, secrets are fetched at startup using IAM
	// credentials. The secret should be a JSON object with keys matching env
	// var names. Env vars take precedence over secret values.
	SecretsARN string
}

// Load reads configuration from environment variables with sensible defaults.
// If AGENTDECK_SECRETS_ARN is set, secrets are fetched from AWS Secrets Manager
// first, then environment variables are applied on top (env vars take precedence).
func Load() (*Config, error) {
	if arn := os.Getenv("AGENTDECK_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     8080,
		APIKey:   os.Getenv("AGENTDECK_API_KEY"),
		LogLevel: envOrDefault("AGENTDECK_LOG_LEVEL", "info"),

		DatabaseURL: envOrDefault("AGENTDECK_DATABASE_URL", os.Getenv("DATABASE_URL")),
		DataDir:     envOrDefault("AGENTDECK_DATA_DIR", "/data/agentdeck"),
		AgentsDir:   envOrDefault("AGENTDECK_AGENTS_DIR", "/data/agentdeck/agents"),

		InternalSecret: os.Getenv("AGENTDECK_INTERNAL_SECRET"),

		NATSURL: envOrDefault("AGENTDECK_NATS_URL", "nats://localhost:4222"),

		RunnerID:       envOrDefault("AGENTDECK_RUNNER_ID", "r-local-1"),
		RunnerHost:     envOrDefault("AGENTDECK_RUNNER_HOST", "localhost"),
		RunnerPort:     envOrDefaultInt("AGENTDECK_RUNNER_PORT", 9090),
		CoordinatorURL: envOrDefault("AGENTDECK_COORDINATOR_URL", ""),
		MaxSandboxes:   envOrDefaultInt("AGENTDECK_MAX_SANDBOXES", 20),

		BridgeCommand: splitCommand(envOrDefault("AGENTDECK_BRIDGE_COMMAND", "agentdeck-bridge")),

		BridgeHandshakeTimeout: envOrDefaultDuration("AGENTDECK_BRIDGE_HANDSHAKE_TIMEOUT", 5*time.Second),
		IdleTimeout:            envOrDefaultDuration("AGENTDECK_IDLE_TIMEOUT", 30*time.Minute),
		IdleSweepInterval:      envOrDefaultDuration("AGENTDECK_IDLE_SWEEP_INTERVAL", time.Minute),
		HeartbeatInterval:      envOrDefaultDuration("AGENTDECK_HEARTBEAT_INTERVAL", 5*time.Second),
		LivenessTimeout:        envOrDefaultDuration("AGENTDECK_LIVENESS_TIMEOUT", 30*time.Second),
		SSEWriteTimeout:        envOrDefaultDuration("AGENTDECK_SSE_WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace:          envOrDefaultDuration("AGENTDECK_SHUTDOWN_GRACE", 5*time.Second),

		SandboxMemoryMB:  envOrDefaultInt("AGENTDECK_SANDBOX_MEMORY_MB", 1024),
		SandboxCPUSec:    envOrDefaultInt("AGENTDECK_SANDBOX_CPU_SEC", 0),
		SandboxMaxPids:   envOrDefaultInt("AGENTDECK_SANDBOX_MAX_PIDS", 256),
		SandboxMaxFileMB: envOrDefaultInt("AGENTDECK_SANDBOX_MAX_FILE_MB", 512),

		S3Endpoint:        os.Getenv("AGENTDECK_S3_ENDPOINT"),
		S3Bucket:          os.Getenv("AGENTDECK_S3_BUCKET"),
		S3Region:          envOrDefault("AGENTDECK_S3_REGION", "us-east-1"),
		S3AccessKeyID:     os.Getenv("AGENTDECK_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("AGENTDECK_S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  os.Getenv("AGENTDECK_S3_FORCE_PATH_STYLE") == "true",

		SecretsARN: os.Getenv("AGENTDECK_SECRETS_ARN"),
	}

	if portStr := os.Getenv("AGENTDECK_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENTDECK_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitCommand(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return []string{"agentdeck-bridge"}
	}
	return fields
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain (IAM instance
// profile on EC2, or ~/.aws/credentials locally).
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
