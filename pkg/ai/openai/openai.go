package openai

import (
	"sync"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

// LinkerOpenAIClient talks to OpenAI compatible endpoints. It keeps
// separate clients for embeddings and chat completions since both may be
// served by different hosts.
//
// A LinkerOpenAIClient should be created using NewLinkerOpenAIClient.
type LinkerOpenAIClient struct {
	embeddingModel string
	embeddingDim   int
	scoringModel   string

	reqLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewLinkerOpenAIClientParams configures NewLinkerOpenAIClient.
//
// EmbeddingDim truncates or zero pads every embedding to a fixed dimension,
// 0 keeps what the model returns. MaxConcurrentRequests bounds in-flight
// requests across both endpoints.
type NewLinkerOpenAIClientParams struct {
	EmbeddingModel string
	EmbeddingDim   int
	ScoringModel   string

	EmbeddingURL string
	EmbeddingKey string
	ChatURL      string
	ChatKey      string

	MaxConcurrentRequests int64
}

// NewLinkerOpenAIClient creates a client from params.
//
// Example:
//
//	client := openai.NewLinkerOpenAIClient(openai.NewLinkerOpenAIClientParams{
//		EmbeddingModel: "text-embedding-3-small",
//		ScoringModel:   "gpt-4o-mini",
//		EmbeddingKey:   os.Getenv("OPENAI_API_KEY"),
//		ChatKey:        os.Getenv("OPENAI_API_KEY"),
//	})
func NewLinkerOpenAIClient(params NewLinkerOpenAIClientParams) *LinkerOpenAIClient {
	limit := params.MaxConcurrentRequests
	if limit <= 0 {
		limit = 8
	}

	return &LinkerOpenAIClient{
		embeddingModel: params.EmbeddingModel,
		embeddingDim:   params.EmbeddingDim,
		scoringModel:   params.ScoringModel,

		reqLock: semaphore.NewWeighted(limit),

		ChatClient:      newOpenaiClient(params.ChatURL, params.ChatKey),
		EmbeddingClient: newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey),
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}

// ResetMetrics clears all accumulated token and timing metrics.
func (c *LinkerOpenAIClient) ResetMetrics() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics = ai.ModelMetrics{}
}

// GetMetrics returns the metrics accumulated since the last reset.
func (c *LinkerOpenAIClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}

func (c *LinkerOpenAIClient) modifyMetrics(m ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics.Add(m)
}

var _ ai.LinkerAIClient = (*LinkerOpenAIClient)(nil)
