package objectstore

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/config"
	"fmt"
	"strings"
)

// Backend kinds.
const (
	KindMemory = "memory"
	KindMinio  = "minio"
	KindS3     = "s3"
)

// Config selects and configures the artifact storage backend.
type Config struct {
	Kind   string
	Bucket string
	Prefix string

	// MinIO
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool

	// S3 (credentials come from the AWS default chain)
	Region       string
	S3Endpoint   string
	UsePathStyle bool
}

// LoadConfigFromEnv loads artifact storage configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Kind:         config.GetEnv("ARTIFACT_BACKEND", KindMemory),
		Bucket:       config.GetEnv("ARTIFACT_BUCKET", "pipeline-artifacts"),
		Prefix:       config.GetEnv("ARTIFACT_PREFIX", ""),
		Endpoint:     config.GetEnv("MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:    config.GetEnv("MINIO_ACCESS_KEY", ""),
		SecretKey:    config.GetSecretFile(config.GetEnv("MINIO_SECRET_KEY_FILE", "")),
		UseSSL:       config.GetBoolEnv("MINIO_USE_SSL", false),
		Region:       config.GetEnv("AWS_REGION", ""),
		S3Endpoint:   config.GetEnv("S3_ENDPOINT", ""),
		UsePathStyle: config.GetBoolEnv("S3_FORCE_PATH_STYLE", false),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	if c.Kind == "" {
		c.Kind = KindMemory
	}
	if c.Region == "" && c.Kind == KindMinio {
		c.Region = "us-east-1"
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	return c
}

// Validate checks that the selected backend has what it needs.
func (c Config) Validate() error {
	switch c.Kind {
	case KindMemory:
		return nil
	case KindMinio:
		if strings.TrimSpace(c.Endpoint) == "" {
			return apperrors.Validation("MINIO_ENDPOINT", "minio endpoint is required")
		}
		if strings.Contains(c.Endpoint, "://") {
			return apperrors.Validation("MINIO_ENDPOINT", fmt.Sprintf("endpoint must not include scheme: %q", c.Endpoint))
		}
		if c.AccessKey == "" || c.SecretKey == "" {
			return apperrors.Validation("MINIO_ACCESS_KEY", "minio access key and secret key are required")
		}
	case KindS3:
	default:
		return apperrors.Validation("ARTIFACT_BACKEND", fmt.Sprintf("unknown artifact backend %q (supported: memory, minio, s3)", c.Kind))
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return apperrors.Validation("ARTIFACT_BUCKET", "artifact bucket is required")
	}
	return nil
}
