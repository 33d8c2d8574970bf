// Package app builds the clients and stores shared by the Lambda entrypoint
// and the local CLI from a loaded configuration.
package app

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"student-query-agent/internal/config"
	"student-query-agent/internal/integrations/anthropic"
	"student-query-agent/internal/integrations/openai"
	"student-query-agent/internal/integrations/paramstore"
	"student-query-agent/internal/repository"
	"student-query-agent/internal/usecase"
)

// Completers holds the model used for classification and analysis and the
// model used to write answers.
type Completers struct {
	Classifier usecase.Completer
	Answerer   usecase.Completer
}

// NewCompleters builds both completers for the configured provider. ps may
// be nil when the configuration carries an API key.
func NewCompleters(cfg *config.Config, ps paramstore.Getter) (Completers, error) {
	classifier, err := newCompleter(cfg, ps, cfg.ClassifierModel, true)
	if err != nil {
		return Completers{}, fmt.Errorf("app: classifier model: %w", err)
	}
	answerer, err := newCompleter(cfg, ps, cfg.AnswerModel, false)
	if err != nil {
		return Completers{}, fmt.Errorf("app: answer model: %w", err)
	}
	return Completers{Classifier: classifier, Answerer: answerer}, nil
}

func newCompleter(cfg *config.Config, ps paramstore.Getter, model string, jsonOutput bool) (usecase.Completer, error) {
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		opts := []openai.Option{openai.WithModel(model)}
		if cfg.LLMBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLMBaseURL))
		}
		if cfg.LLMAPIKey != "" {
			opts = append(opts, openai.WithAPIKey(cfg.LLMAPIKey))
		}
		if jsonOutput {
			opts = append(opts, openai.WithJSONObjectResponses(), openai.WithTemperature(0))
		}
		return openai.NewClient(ps, cfg.ParamPrefix, opts...)
	case config.ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithModel(model)}
		if cfg.LLMBaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.LLMBaseURL))
		}
		if cfg.LLMAPIKey != "" {
			opts = append(opts, anthropic.WithAPIKey(cfg.LLMAPIKey))
		}
		if jsonOutput {
			opts = append(opts, anthropic.WithTemperature(0))
		}
		return anthropic.NewClient(ps, cfg.ParamPrefix, opts...)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.LLMProvider)
	}
}

// NewRedisClient connects to the configured Redis instance.
func NewRedisClient(cfg *config.Config) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewAggregationStore returns the configured aggregation backend. dynamo is
// only consulted for the dynamodb backend and rdb only for redis.
func NewAggregationStore(cfg *config.Config, dynamo repository.DynamoAPI, rdb redis.UniversalClient) (usecase.AggregationStore, error) {
	switch cfg.AggregationBackend {
	case config.BackendDynamoDB:
		if dynamo == nil {
			return nil, errors.New("app: dynamodb backend needs a dynamodb client")
		}
		return repository.NewDynamoAggregations(dynamo, cfg.StateTable)
	case config.BackendRedis:
		if rdb == nil {
			return nil, errors.New("app: redis backend needs a redis client")
		}
		return repository.NewRedisAggregations(rdb)
	case config.BackendMemory:
		return repository.NewMemoryAggregations(), nil
	default:
		return nil, fmt.Errorf("app: unknown aggregation backend %q", cfg.AggregationBackend)
	}
}
