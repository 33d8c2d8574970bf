package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"student-query-agent/internal/config"
	"student-query-agent/internal/domain"
)

type fakeAsker struct {
	req    domain.TurnRequest
	answer string
	err    error
	waited bool
}

func (f *fakeAsker) Ask(_ context.Context, req domain.TurnRequest) (domain.FinalAnswer, error) {
	f.req = req
	if f.err != nil {
		return domain.FinalAnswer{}, f.err
	}
	return domain.FinalAnswer{CorrelationID: req.CorrelationID, UserID: req.UserID, Question: req.Message, Answer: f.answer}, nil
}

func (f *fakeAsker) Wait() { f.waited = true }

func resetAskFlags() {
	askUser = ""
	askCorrelationID = ""
	askTimeout = time.Minute
	askProvider = ""
	askRedisAddr = ""
	askMetricsAddr = ""
	askSilent = nil
	askJSON = false
	askCmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
}

// setupFakeAsker swaps the runtime factory and returns the fake plus the
// captured configuration.
func setupFakeAsker(t *testing.T, fake *fakeAsker) (*config.Config, *[]domain.Source) {
	t.Helper()
	t.Setenv("LLM_API_KEY", "sk-test")
	resetAskFlags()

	var (
		gotCfg    config.Config
		gotSilent []domain.Source
	)
	prev := newAsker
	newAsker = func(cfg *config.Config, silent []domain.Source) (asker, error) {
		gotCfg = *cfg
		gotSilent = silent
		return fake, nil
	}
	t.Cleanup(func() {
		newAsker = prev
		rootCmd.SetArgs(nil)
		resetAskFlags()
	})
	return &gotCfg, &gotSilent
}

func execute(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestAskCmd_Use(t *testing.T) {
	assert.Equal(t, "ask [message]", askCmd.Use)
	assert.Equal(t, "Ask one question and print the answer", askCmd.Short)
}

func TestAskCmd_Flags(t *testing.T) {
	user := askCmd.Flags().Lookup("user")
	require.NotNil(t, user)
	assert.Equal(t, "u", user.Shorthand)

	timeout := askCmd.Flags().Lookup("timeout")
	require.NotNil(t, timeout)
	assert.Equal(t, "1m0s", timeout.DefValue)

	for _, name := range []string{"correlation-id", "provider", "redis-addr", "metrics-addr", "silent", "json"} {
		assert.NotNil(t, askCmd.Flags().Lookup(name), name)
	}
}

func TestAskCmd_RequiresUser(t *testing.T) {
	setupFakeAsker(t, &fakeAsker{})

	_, err := execute("ask", "What is my GPA?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user")
}

func TestAskCmd_RequiresExactlyOneArg(t *testing.T) {
	setupFakeAsker(t, &fakeAsker{})

	_, err := execute("ask", "--user", "42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestAskCmd_PrintsAnswer(t *testing.T) {
	fake := &fakeAsker{answer: "Your GPA is 3.8."}
	cfg, _ := setupFakeAsker(t, fake)

	out, err := execute("ask", "--user", "42", "--correlation-id", "abc", "What is my GPA?")
	require.NoError(t, err)
	assert.Equal(t, "Your GPA is 3.8.\n", out)
	assert.Equal(t, domain.TurnRequest{CorrelationID: "abc", UserID: "42", Message: "What is my GPA?"}, fake.req)
	assert.True(t, fake.waited)

	assert.Equal(t, config.StageLocal, cfg.Stage)
	assert.Equal(t, config.BackendMemory, cfg.AggregationBackend)
}

func TestAskCmd_GeneratesCorrelationID(t *testing.T) {
	fake := &fakeAsker{answer: "ok"}
	setupFakeAsker(t, fake)

	_, err := execute("ask", "-u", "7", "Hello")
	require.NoError(t, err)
	_, err = uuid.Parse(fake.req.CorrelationID)
	assert.NoError(t, err)
}

func TestAskCmd_JSONOutput(t *testing.T) {
	fake := &fakeAsker{answer: "Hi!"}
	setupFakeAsker(t, fake)

	out, err := execute("ask", "-u", "7", "--correlation-id", "c-1", "--json", "Hello")
	require.NoError(t, err)

	var ans domain.FinalAnswer
	require.NoError(t, json.Unmarshal([]byte(out), &ans))
	assert.Equal(t, "c-1", ans.CorrelationID)
	assert.Equal(t, "Hi!", ans.Answer)
}

func TestAskCmd_FlagsReachConfig(t *testing.T) {
	fake := &fakeAsker{answer: "ok"}
	cfg, silent := setupFakeAsker(t, fake)

	_, err := execute("ask", "-u", "7", "--provider", "anthropic", "--redis-addr", "localhost:6379",
		"--silent", "GetStudentData", "Hello")
	require.NoError(t, err)
	assert.Equal(t, config.ProviderAnthropic, cfg.LLMProvider)
	assert.Equal(t, config.BackendRedis, cfg.AggregationBackend)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, []domain.Source{domain.SourceStudentData}, *silent)
}

func TestAskCmd_RejectsUnknownSilentSource(t *testing.T) {
	setupFakeAsker(t, &fakeAsker{})

	_, err := execute("ask", "-u", "7", "--silent", "GetWeather", "Hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GetWeather")
}

func TestAskCmd_AskError(t *testing.T) {
	setupFakeAsker(t, &fakeAsker{err: errors.New("deadline exceeded")})

	_, err := execute("ask", "-u", "7", "Hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ask failed")
}
