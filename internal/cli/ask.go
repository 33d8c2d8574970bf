package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"student-query-agent/internal/app"
	"student-query-agent/internal/config"
	"student-query-agent/internal/domain"
	"student-query-agent/internal/integrations/paramstore"
	"student-query-agent/internal/local"
	"student-query-agent/internal/observability"
	"student-query-agent/internal/worker"
)

var (
	askUser          string
	askCorrelationID string
	askTimeout       time.Duration
	askProvider      string
	askRedisAddr     string
	askMetricsAddr   string
	askSilent        []string
	askJSON          bool
)

// asker is the part of the local runtime the command drives.
type asker interface {
	Ask(ctx context.Context, req domain.TurnRequest) (domain.FinalAnswer, error)
	Wait()
}

// newAsker builds the runtime for a loaded configuration. Tests replace it.
var newAsker = buildRuntime

var askCmd = &cobra.Command{
	Use:   "ask [message]",
	Short: "Ask one question and print the answer",
	Long: `Runs one turn through the full pipeline and waits for the final answer.
Worker data comes from the built-in demo records.`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askUser, "user", "u", "", "student id asking the question")
	askCmd.Flags().StringVar(&askCorrelationID, "correlation-id", "", "correlation id for the turn (random when empty)")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", time.Minute, "maximum time to wait for the answer")
	askCmd.Flags().StringVar(&askProvider, "provider", "", "LLM provider: openai or anthropic")
	askCmd.Flags().StringVar(&askRedisAddr, "redis-addr", "", "aggregate in Redis at this address instead of memory")
	askCmd.Flags().StringVar(&askMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	askCmd.Flags().StringSliceVar(&askSilent, "silent", nil, "worker sources that never respond")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the final answer record as JSON")
	_ = askCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadLocalConfig()
	if err != nil {
		return err
	}
	observability.Init(cmd.ErrOrStderr(), cfg.LogLevel)

	silent := make([]domain.Source, 0, len(askSilent))
	for _, raw := range askSilent {
		src, err := domain.ParseSource(raw)
		if err != nil {
			return err
		}
		silent = append(silent, src)
	}

	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cmd, cfg.MetricsAddr)
		defer stop()
	}

	rt, err := newAsker(cfg, silent)
	if err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer rt.Wait()

	corrID := strings.TrimSpace(askCorrelationID)
	if corrID == "" {
		corrID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), askTimeout)
	defer cancel()
	ans, err := rt.Ask(ctx, domain.TurnRequest{CorrelationID: corrID, UserID: askUser, Message: args[0]})
	if err != nil {
		return fmt.Errorf("ask failed: %w", err)
	}

	if askJSON {
		data, err := json.MarshalIndent(ans, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal answer: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}
	cmd.Println(ans.Answer)
	return nil
}

// loadLocalConfig reads the environment like the deployed stages do, with
// the command's flags layered on top.
func loadLocalConfig() (*config.Config, error) {
	v := config.NewViper()
	v.Set("STAGE", config.StageLocal)
	v.SetDefault("AGGREGATION_BACKEND", config.BackendMemory)
	if askProvider != "" {
		v.Set("LLM_PROVIDER", askProvider)
	}
	if askRedisAddr != "" {
		v.Set("AGGREGATION_BACKEND", config.BackendRedis)
		v.Set("REDIS_ADDR", askRedisAddr)
	}
	if askMetricsAddr != "" {
		v.Set("METRICS_ADDR", askMetricsAddr)
	}
	return config.FromViper(v)
}

func buildRuntime(cfg *config.Config, silent []domain.Source) (asker, error) {
	var ps paramstore.Getter
	if cfg.LLMAPIKey == "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
		ps = client
	}
	llms, err := app.NewCompleters(cfg, ps)
	if err != nil {
		return nil, err
	}

	var rdb redis.UniversalClient
	if cfg.AggregationBackend == config.BackendRedis {
		rdb = app.NewRedisClient(cfg)
	}
	store, err := app.NewAggregationStore(cfg, nil, rdb)
	if err != nil {
		return nil, err
	}

	return local.New(local.Options{
		Classifier:         llms.Classifier,
		Answerer:           llms.Answerer,
		Fetcher:            worker.Demo{},
		Silent:             silent,
		Aggregations:       store,
		AggregationTimeout: cfg.AggregationTimeout,
		ConversationTTL:    cfg.ConversationTTL,
		ContextTurns:       cfg.ContextTurns,
		MaxMessageLength:   cfg.MaxMessageLength,
	})
}

func serveMetrics(cmd *cobra.Command, addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(cmd.ErrOrStderr(), "metrics server: %v\n", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
