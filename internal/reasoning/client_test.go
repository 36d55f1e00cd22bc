package reasoning

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/cardline/internal/config"
	"github.com/fyrsmithlabs/cardline/internal/debugging"
	"github.com/fyrsmithlabs/cardline/internal/judge"
	"github.com/fyrsmithlabs/cardline/internal/logging"
	"github.com/fyrsmithlabs/cardline/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// Both consumers accept a Client.
var (
	_ judge.Reasoner     = (Client)(nil)
	_ debugging.Reasoner = (Client)(nil)
)

type fakeModel struct {
	reply   string
	err     error
	prompts []string
	opts    llms.CallOptions
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, o := range options {
		o(&f.opts)
	}
	for _, m := range messages {
		for _, p := range m.Parts {
			if tp, ok := p.(llms.TextContent); ok {
				f.prompts = append(f.prompts, tp.Text)
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangchainClient_Generate(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	model := &fakeModel{reply: `{"scores":[]}`}
	c, err := NewClient(model, 0, logging.NewTestLogger().Logger,
		WithTracerProvider(tel.TracerProvider()), WithTemperature(0), WithMaxTokens(64))
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "score this")
	require.NoError(t, err)
	assert.Equal(t, `{"scores":[]}`, out)
	assert.Equal(t, []string{"score this"}, model.prompts)
	assert.Equal(t, 64, model.opts.MaxTokens)
	tel.AssertSpanExists(t, "reasoning.generate")
}

func TestLangchainClient_Errors(t *testing.T) {
	model := &fakeModel{err: errors.New("upstream 503")}
	c, err := NewClient(model, 0, nil)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = c.Generate(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream 503")
}

func TestLangchainClient_RateLimiterHonorsContext(t *testing.T) {
	c, err := NewClient(&fakeModel{reply: "ok"}, 0.001, nil)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Generate(ctx, "second")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter")
}

func TestNewClient_RequiresModel(t *testing.T) {
	_, err := NewClient(nil, 1, nil)
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	c, err := FromConfig(config.ReasoningConfig{Model: "gpt-4o-mini"}, nil)
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = FromConfig(config.ReasoningConfig{
		Model:   "gpt-4o-mini",
		BaseURL: "http://127.0.0.1:1/v1",
		APIKey:  config.Secret("sk-test"),
	}, nil)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

type replaceRedactor struct{ secret string }

func (r replaceRedactor) RedactString(text string) string {
	return strings.ReplaceAll(text, r.secret, "[REDACTED:test]")
}

func TestLangchainClient_RedactsPrompt(t *testing.T) {
	model := &fakeModel{reply: "ok"}
	c, err := NewClient(model, 0, nil, WithRedactor(replaceRedactor{secret: "hunter2"}))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "password=hunter2 in config.go")
	require.NoError(t, err)
	assert.Equal(t, []string{"password=[REDACTED:test] in config.go"}, model.prompts)
}
