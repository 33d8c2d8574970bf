package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StageTurn   = "turn"
	StageResult = "result"
	StageAnswer = "answer"
	StageSweep  = "sweep"
	StageWorker = "worker"
	// StageLocal runs every stage in one process, as the CLI does.
	StageLocal = "local"

	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	TransportLambda = "lambda"
	TransportSNS    = "sns"
	TransportLocal  = "local"

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds every setting read from the environment. It is read once in
// main and handed to constructors; nothing else reads the environment.
type Config struct {
	Stage string

	ParamPrefix    string
	StateTable     string
	ResponsesTable string

	AggregationBackend string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int

	DispatchTransport    string
	WorkerFunctionPrefix string
	WorkerTopicARN       string
	ResultFunction       string
	AnswerFunction       string

	LLMProvider     string
	LLMBaseURL      string
	LLMAPIKey       string
	ClassifierModel string
	AnswerModel     string

	ContextTurns       int
	MaxMessageLength   int
	ConversationTTL    time.Duration
	AggregationTimeout time.Duration
	SweepBatchSize     int

	LogLevel    string
	MetricsAddr string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("config: load .env: %w", err)
		}
	}
	return FromViper(NewViper())
}

// NewViper returns a viper instance bound to the environment with every default set.
func NewViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("STAGE", StageTurn)
	v.SetDefault("AGGREGATION_BACKEND", BackendDynamoDB)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DISPATCH_TRANSPORT", TransportLambda)
	v.SetDefault("LLM_PROVIDER", ProviderOpenAI)
	v.SetDefault("CLASSIFIER_MODEL", "gpt-4o-mini")
	v.SetDefault("ANSWER_MODEL", "gpt-4o")
	v.SetDefault("CONTEXT_TURNS", 4)
	v.SetDefault("MAX_MESSAGE_LENGTH", 1000)
	v.SetDefault("CONVERSATION_TTL", "15m")
	v.SetDefault("AGGREGATION_TIMEOUT", "20s")
	v.SetDefault("SWEEP_BATCH_SIZE", 50)
	v.SetDefault("LOG_LEVEL", "info")
	return v
}

// FromViper builds and validates a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Stage:                strings.ToLower(strings.TrimSpace(v.GetString("STAGE"))),
		ParamPrefix:          strings.TrimRight(strings.TrimSpace(v.GetString("PARAM_PREFIX")), "/"),
		StateTable:           strings.TrimSpace(v.GetString("STATE_TABLE")),
		ResponsesTable:       strings.TrimSpace(v.GetString("RESPONSES_TABLE")),
		AggregationBackend:   strings.ToLower(strings.TrimSpace(v.GetString("AGGREGATION_BACKEND"))),
		RedisAddr:            strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:        v.GetString("REDIS_PASSWORD"),
		RedisDB:              v.GetInt("REDIS_DB"),
		DispatchTransport:    strings.ToLower(strings.TrimSpace(v.GetString("DISPATCH_TRANSPORT"))),
		WorkerFunctionPrefix: strings.TrimSpace(v.GetString("WORKER_FUNCTION_PREFIX")),
		WorkerTopicARN:       strings.TrimSpace(v.GetString("WORKER_TOPIC_ARN")),
		ResultFunction:       strings.TrimSpace(v.GetString("RESULT_FUNCTION")),
		AnswerFunction:       strings.TrimSpace(v.GetString("ANSWER_FUNCTION")),
		LLMProvider:          strings.ToLower(strings.TrimSpace(v.GetString("LLM_PROVIDER"))),
		LLMBaseURL:           strings.TrimSpace(v.GetString("LLM_BASE_URL")),
		LLMAPIKey:            strings.TrimSpace(v.GetString("LLM_API_KEY")),
		ClassifierModel:      strings.TrimSpace(v.GetString("CLASSIFIER_MODEL")),
		AnswerModel:          strings.TrimSpace(v.GetString("ANSWER_MODEL")),
		ContextTurns:         v.GetInt("CONTEXT_TURNS"),
		MaxMessageLength:     v.GetInt("MAX_MESSAGE_LENGTH"),
		ConversationTTL:      v.GetDuration("CONVERSATION_TTL"),
		AggregationTimeout:   v.GetDuration("AGGREGATION_TIMEOUT"),
		SweepBatchSize:       v.GetInt("SWEEP_BATCH_SIZE"),
		LogLevel:             v.GetString("LOG_LEVEL"),
		MetricsAddr:          strings.TrimSpace(v.GetString("METRICS_ADDR")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings required by the configured stage.
func (c *Config) Validate() error {
	var errs []error
	require := func(name, value string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required for stage %q", name, c.Stage))
		}
	}

	switch c.Stage {
	case StageTurn, StageResult, StageAnswer, StageSweep, StageWorker, StageLocal:
	default:
		return fmt.Errorf("config: unknown stage %q", c.Stage)
	}

	if c.ContextTurns <= 0 {
		errs = append(errs, errors.New("CONTEXT_TURNS must be positive"))
	}
	if c.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("MAX_MESSAGE_LENGTH must be positive"))
	}
	if c.ConversationTTL <= 0 {
		errs = append(errs, errors.New("CONVERSATION_TTL must be positive"))
	}
	if c.AggregationTimeout <= 0 {
		errs = append(errs, errors.New("AGGREGATION_TIMEOUT must be positive"))
	}

	if c.needsLLM() {
		switch c.LLMProvider {
		case ProviderOpenAI, ProviderAnthropic:
		default:
			errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
		}
		if c.LLMAPIKey == "" {
			require("PARAM_PREFIX", c.ParamPrefix)
		}
	}

	if c.needsAggregation() {
		switch c.AggregationBackend {
		case BackendDynamoDB:
			require("STATE_TABLE", c.StateTable)
		case BackendRedis:
			require("REDIS_ADDR", c.RedisAddr)
		case BackendMemory:
		default:
			errs = append(errs, fmt.Errorf("unknown AGGREGATION_BACKEND %q", c.AggregationBackend))
		}
	}

	switch c.Stage {
	case StageTurn:
		require("STATE_TABLE", c.StateTable)
		require("RESPONSES_TABLE", c.ResponsesTable)
		switch c.DispatchTransport {
		case TransportLambda:
			require("WORKER_FUNCTION_PREFIX", c.WorkerFunctionPrefix)
		case TransportSNS:
			require("WORKER_TOPIC_ARN", c.WorkerTopicARN)
		case TransportLocal:
		default:
			errs = append(errs, fmt.Errorf("unknown DISPATCH_TRANSPORT %q", c.DispatchTransport))
		}
	case StageResult, StageSweep:
		require("ANSWER_FUNCTION", c.AnswerFunction)
	case StageAnswer:
		require("STATE_TABLE", c.StateTable)
		require("RESPONSES_TABLE", c.ResponsesTable)
	case StageWorker:
		require("RESULT_FUNCTION", c.ResultFunction)
	case StageLocal:
		if c.AggregationBackend == BackendDynamoDB {
			errs = append(errs, errors.New("AGGREGATION_BACKEND must be memory or redis for stage \"local\""))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) needsLLM() bool {
	return c.Stage == StageTurn || c.Stage == StageAnswer || c.Stage == StageLocal
}

func (c *Config) needsAggregation() bool {
	return c.Stage == StageTurn || c.Stage == StageResult || c.Stage == StageSweep || c.Stage == StageLocal
}

// WorkerFunction returns the Lambda function name serving a worker source.
func (c *Config) WorkerFunction(source string) string {
	return c.WorkerFunctionPrefix + source
}
