package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"student-query-agent/handler"
	"student-query-agent/internal/app"
	"student-query-agent/internal/config"
	"student-query-agent/internal/domain"
	"student-query-agent/internal/integrations/invoker"
	"student-query-agent/internal/integrations/paramstore"
	"student-query-agent/internal/observability"
	"student-query-agent/internal/repository"
	"student-query-agent/internal/usecase"
	"student-query-agent/internal/worker"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	observability.Init(os.Stdout, cfg.LogLevel)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}
	dynamoClient := awsdynamodb.NewFromConfig(awsCfg)
	lambdaInvoker, err := invoker.NewLambda(awslambda.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create lambda invoker", err)
	}

	switch cfg.Stage {
	case config.StageTurn:
		h := mustTurnHandler(ctx, cfg, awsCfg, dynamoClient, lambdaInvoker)
		lambda.Start(h.Handle)
	case config.StageResult:
		aggregator := mustAggregator(cfg, dynamoClient, lambdaInvoker)
		h, err := handler.NewResultHandler(aggregator)
		if err != nil {
			fatal("failed to create result handler", err)
		}
		lambda.Start(h.Handle)
	case config.StageSweep:
		aggregator := mustAggregator(cfg, dynamoClient, lambdaInvoker)
		h, err := handler.NewSweepHandler(aggregator, cfg.SweepBatchSize)
		if err != nil {
			fatal("failed to create sweep handler", err)
		}
		lambda.Start(h.Handle)
	case config.StageAnswer:
		generator := mustAnswerGenerator(cfg, mustParamstore(awsCfg), dynamoClient)
		h, err := handler.NewAnswerHandler(generator)
		if err != nil {
			fatal("failed to create answer handler", err)
		}
		lambda.Start(h.Handle)
	case config.StageWorker:
		svc, err := worker.NewService(worker.Demo{}, worker.InvokeSink{Invoker: lambdaInvoker, Target: cfg.ResultFunction})
		if err != nil {
			fatal("failed to create worker", err)
		}
		h, err := handler.NewWorkerHandler(svc)
		if err != nil {
			fatal("failed to create worker handler", err)
		}
		lambda.Start(h.Handle)
	default:
		slog.Error("stage cannot run as a lambda function", "stage", cfg.Stage)
		os.Exit(1)
	}
}

func mustTurnHandler(ctx context.Context, cfg *config.Config, awsCfg aws.Config, dynamoClient *awsdynamodb.Client, lambdaInvoker *invoker.Lambda) *handler.TurnHandler {
	ps := mustParamstore(awsCfg)
	llms, err := app.NewCompleters(cfg, ps)
	if err != nil {
		fatal("failed to create LLM clients", err)
	}

	var (
		transport usecase.Invoker
		target    func(domain.Source) string
	)
	switch cfg.DispatchTransport {
	case config.TransportLambda:
		transport = lambdaInvoker
		target = func(src domain.Source) string { return cfg.WorkerFunction(string(src)) }
	case config.TransportSNS:
		transport, err = invoker.NewSNS(awssns.NewFromConfig(awsCfg), cfg.WorkerTopicARN)
		if err != nil {
			fatal("failed to create SNS invoker", err)
		}
	default:
		slog.Error("dispatch transport is not available to lambda functions", "transport", cfg.DispatchTransport)
		os.Exit(1)
	}

	store := mustAggregationStore(cfg, dynamoClient)
	dispatcher, err := usecase.NewDispatcher(store, transport, target, cfg.AggregationTimeout)
	if err != nil {
		fatal("failed to create dispatcher", err)
	}
	memory := mustMemory(cfg, dynamoClient)
	generator := mustAnswerGeneratorWith(cfg, llms.Answerer, memory, dynamoClient)

	classifier, err := usecase.NewIntentClassifier(llms.Classifier)
	if err != nil {
		fatal("failed to create intent classifier", err)
	}
	analyzer, err := usecase.NewQueryAnalyzer(llms.Classifier)
	if err != nil {
		fatal("failed to create query analyzer", err)
	}
	turns, err := usecase.NewTurnService(classifier, analyzer, dispatcher, generator, memory,
		usecase.WithContextTurns(cfg.ContextTurns),
		usecase.WithMaxMessageLength(cfg.MaxMessageLength),
	)
	if err != nil {
		fatal("failed to create turn service", err)
	}
	h, err := handler.NewTurnHandler(turns)
	if err != nil {
		fatal("failed to create turn handler", err)
	}
	slog.InfoContext(ctx, "turn stage ready", "transport", cfg.DispatchTransport, "backend", cfg.AggregationBackend)
	return h
}

func mustAggregator(cfg *config.Config, dynamoClient *awsdynamodb.Client, lambdaInvoker *invoker.Lambda) *usecase.Aggregator {
	store := mustAggregationStore(cfg, dynamoClient)
	aggregator, err := usecase.NewAggregator(store, usecase.InvokeSink{Invoker: lambdaInvoker, Target: cfg.AnswerFunction})
	if err != nil {
		fatal("failed to create aggregator", err)
	}
	return aggregator
}

func mustAggregationStore(cfg *config.Config, dynamoClient *awsdynamodb.Client) usecase.AggregationStore {
	var rdb redis.UniversalClient
	if cfg.AggregationBackend == config.BackendRedis {
		rdb = app.NewRedisClient(cfg)
	}
	store, err := app.NewAggregationStore(cfg, dynamoClient, rdb)
	if err != nil {
		fatal("failed to create aggregation store", err)
	}
	return store
}

func mustMemory(cfg *config.Config, dynamoClient *awsdynamodb.Client) *usecase.Memory {
	conversations, err := repository.NewConversations(dynamoClient, cfg.StateTable)
	if err != nil {
		fatal("failed to create conversation store", err)
	}
	memory, err := usecase.NewMemory(conversations, cfg.ConversationTTL)
	if err != nil {
		fatal("failed to create conversation memory", err)
	}
	return memory
}

func mustAnswerGenerator(cfg *config.Config, ps *paramstore.Client, dynamoClient *awsdynamodb.Client) *usecase.AnswerGenerator {
	llms, err := app.NewCompleters(cfg, ps)
	if err != nil {
		fatal("failed to create LLM clients", err)
	}
	return mustAnswerGeneratorWith(cfg, llms.Answerer, mustMemory(cfg, dynamoClient), dynamoClient)
}

func mustAnswerGeneratorWith(cfg *config.Config, llm usecase.Completer, memory *usecase.Memory, dynamoClient *awsdynamodb.Client) *usecase.AnswerGenerator {
	answers, err := repository.NewAnswers(dynamoClient, cfg.ResponsesTable)
	if err != nil {
		fatal("failed to create answer store", err)
	}
	generator, err := usecase.NewAnswerGenerator(llm, memory, answers, cfg.ContextTurns)
	if err != nil {
		fatal("failed to create answer generator", err)
	}
	return generator
}

func mustParamstore(awsCfg aws.Config) *paramstore.Client {
	ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	return ps
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
