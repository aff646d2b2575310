package notify

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/config"
	"cdpipeline/internal/dispatcher"
	"cdpipeline/internal/pipeline"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
)

// Schemes understood in notification topic IDs.
const (
	SchemeWebhook = "webhook"
	SchemeRedis   = "redis"
	SchemeLog     = "log"
)

// Transports are the optional notification backends available to a process.
type Transports struct {
	Dispatcher dispatcher.Dispatcher // enables webhook: topics
	Redis      *goredis.Client       // enables redis: topics
	RedisCfg   RedisConfig
	Logger     *slog.Logger
}

// WebhookTargets resolves the named webhooks of a definitions file, reading
// signing keys from their files.
func WebhookTargets(specs map[string]config.WebhookSpec) (map[string]WebhookTarget, error) {
	targets := make(map[string]WebhookTarget, len(specs))
	for name, spec := range specs {
		target := WebhookTarget{URL: spec.URL}
		if spec.SigningKeyFile != "" {
			target.SigningKey = config.GetSecretFile(spec.SigningKeyFile)
			if target.SigningKey == "" {
				return nil, apperrors.Validation("webhooks."+name+".signingKeyFile",
					fmt.Sprintf("signing key file %s is missing or empty", spec.SigningKeyFile))
			}
		}
		targets[name] = target
	}
	return targets, nil
}

// Setup builds the router for the pipelines of f. Scheme-less topics go to
// Redis when a client is configured and are logged otherwise.
func Setup(f *config.File, t Transports) (*Router, error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.With("component", "notify")
	}
	logPublisher := NewLog(logger)

	var fallback pipeline.Publisher = logPublisher
	router := NewRouter(nil).Handle(SchemeLog, logPublisher)

	if t.Redis != nil {
		redisPublisher := NewRedis(t.Redis, t.RedisCfg)
		router.Handle(SchemeRedis, redisPublisher)
		fallback = redisPublisher
	}

	if len(f.Webhooks) > 0 {
		if t.Dispatcher == nil {
			return nil, apperrors.Validation("webhooks", "webhooks are defined but no webhook dispatcher is configured")
		}
		targets, err := WebhookTargets(f.Webhooks)
		if err != nil {
			return nil, err
		}
		router.Handle(SchemeWebhook, NewWebhook(t.Dispatcher, targets))
	}

	router.fallback = fallback
	return router, nil
}
