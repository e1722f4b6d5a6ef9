package ollama

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/ai"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"
)

// LinkerOllamaClient implements ai.LinkerAIClient with a locally hosted
// Ollama server as backend.
type LinkerOllamaClient struct {
	embeddingModel string
	embeddingDim   int
	scoringModel   string

	reqLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	Client *api.Client
}

// NewLinkerOllamaClientParams contains configuration options for creating a
// new LinkerOllamaClient.
type NewLinkerOllamaClientParams struct {
	EmbeddingModel string
	EmbeddingDim   int
	ScoringModel   string

	BaseURL string
	ApiKey  string

	MaxConcurrentRequests int64
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewLinkerOllamaClient connects to the Ollama server at BaseURL, or the
// default from the environment if empty.
func NewLinkerOllamaClient(params NewLinkerOllamaClientParams) (*LinkerOllamaClient, error) {
	var (
		u   *url.URL
		err error
	)

	if params.BaseURL != "" {
		u, err = url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
	}
	if u == nil {
		u, err = url.Parse("http://localhost:11434")
		if err != nil {
			return nil, err
		}
	}

	headers := map[string]string{}
	if params.ApiKey != "" {
		headers["Authorization"] = "Bearer " + params.ApiKey
	}
	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: headers,
			rt:      http.DefaultTransport,
		},
	}

	limit := params.MaxConcurrentRequests
	if limit <= 0 {
		limit = 4
	}

	return &LinkerOllamaClient{
		embeddingModel: params.EmbeddingModel,
		embeddingDim:   params.EmbeddingDim,
		scoringModel:   params.ScoringModel,

		reqLock: semaphore.NewWeighted(limit),

		Client: api.NewClient(u, httpClient),
	}, nil
}

var _ ai.LinkerAIClient = (*LinkerOllamaClient)(nil)
