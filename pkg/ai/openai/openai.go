package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/emergent-company/emergent.strategy-sub008/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

// ModelClient implements ai.ModelClient against an OpenAI-compatible API.
// Extraction and embedding calls may go to different endpoints, so two
// underlying clients are held.
type ModelClient struct {
	extractionModel string
	embeddingModel  string

	chatURL      string
	chatKey      string
	embeddingURL string
	embeddingKey string

	timeoutMin int

	embeddingLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewModelClientParams configures a new ModelClient. ChatURL/EmbeddingURL
// may be empty, which means the default OpenAI endpoint.
type NewModelClientParams struct {
	ExtractionModel string
	EmbeddingModel  string

	ChatURL      string
	ChatKey      string
	EmbeddingURL string
	EmbeddingKey string

	TimeoutMinutes          int
	MaxConcurrentEmbeddings int64
}

func NewModelClient(params NewModelClientParams) *ModelClient {
	timeoutMin := params.TimeoutMinutes
	if timeoutMin <= 0 {
		timeoutMin = 5
	}
	maxEmbeddings := params.MaxConcurrentEmbeddings
	if maxEmbeddings <= 0 {
		maxEmbeddings = 4
	}

	return &ModelClient{
		extractionModel: params.ExtractionModel,
		embeddingModel:  params.EmbeddingModel,

		chatURL:      params.ChatURL,
		chatKey:      params.ChatKey,
		embeddingURL: params.EmbeddingURL,
		embeddingKey: params.EmbeddingKey,

		timeoutMin: timeoutMin,

		embeddingLock: semaphore.NewWeighted(maxEmbeddings),

		metricsLock: sync.Mutex{},
		metrics:     ai.ModelMetrics{},

		ChatClient:      newClient(params.ChatURL, params.ChatKey),
		EmbeddingClient: newClient(params.EmbeddingURL, params.EmbeddingKey),
	}
}

func newClient(baseURL, apiKey string) *openai.Client {
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

// classifyErr maps transport failures and server-side errors onto
// ai.ErrProviderUnavailable. Client-side API errors (bad request, schema
// rejection) pass through unchanged so callers can absorb them per unit.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %v", ai.ErrProviderUnavailable, err)
		}
		return err
	}

	// Non-API errors are connection or timeout failures.
	return fmt.Errorf("%w: %v", ai.ErrProviderUnavailable, err)
}
