package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	got  *CompletionRequest
	resp *CompletionResponse
	err  error
}

func (s *stubClient) Name() string { return "stub" }

func (s *stubClient) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	s.got = req
	return s.resp, s.err
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(ProviderAnthropic, "", "")
	assert.Error(t, err)
	_, err = NewClient(ProviderOpenAI, "", "")
	assert.Error(t, err)

	c, err := NewClient(ProviderOpenAI, "sk-test", "")
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())

	c, err = NewClient("unknown", "key", "")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Name())
}

func TestOpenAIOptions(t *testing.T) {
	c, err := NewOpenAIClient("sk-test", "", WithEmbeddingModel("text-embedding-3-large"), WithVisionModel(""))
	require.NoError(t, err)
	assert.Equal(t, defaultOpenAIModel, c.model)
	assert.Equal(t, "text-embedding-3-large", c.embeddingModel)
	assert.Equal(t, defaultVisionModel, c.visionModel)
}

func TestTextSendsSystemAndPrompt(t *testing.T) {
	stub := &stubClient{resp: &CompletionResponse{Content: "hi there", Model: "m"}}

	out, err := Text(context.Background(), Instrument(stub), "be brief", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)
	assert.Equal(t, "be brief", stub.got.System)
	require.Len(t, stub.got.Messages, 1)
	assert.Equal(t, ChatMessage{Role: RoleUser, Content: "hello"}, stub.got.Messages[0])
}

func TestInstrumentPassesErrorsThrough(t *testing.T) {
	boom := errors.New("rate limited")
	c := Instrument(&stubClient{err: boom})

	_, err := c.Complete(context.Background(), &CompletionRequest{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "stub", c.Name())
}
