package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultProviderTimeout = 120 * time.Second
	maxProviderErrorBody   = 512
)

// ProviderRequest is what a generation backend receives.
type ProviderRequest struct {
	JobID  string `json:"jobId"`
	UserID string `json:"userId"`
	Kind   Kind   `json:"kind"`
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// ProviderOutput is a finished generation.
type ProviderOutput struct {
	ResultURL string `json:"resultUrl"`
}

// Provider produces media. Implementations must honour ctx cancellation.
type Provider interface {
	Generate(ctx context.Context, request ProviderRequest) (ProviderOutput, error)
}

// HTTPClient is the subset of *http.Client used by HTTPProvider.
type HTTPClient interface {
	Do(request *http.Request) (*http.Response, error)
}

// HTTPProvider posts generation requests as JSON to a single endpoint.
type HTTPProvider struct {
	endpoint  string
	authToken string
	client    HTTPClient
}

// NewHTTPProvider builds an HTTPProvider. A nil client gets a default client.
func NewHTTPProvider(endpoint string, authToken string, client HTTPClient) (*HTTPProvider, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: provider endpoint is required", ErrInvalidConfig)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultProviderTimeout}
	}
	return &HTTPProvider{endpoint: trimmed, authToken: strings.TrimSpace(authToken), client: client}, nil
}

// Generate calls the endpoint. Any non-2xx status is a provider failure.
func (provider *HTTPProvider) Generate(ctx context.Context, request ProviderRequest) (ProviderOutput, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return ProviderOutput{}, fmt.Errorf("%w: encode request: %v", ErrProviderFailed, err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.endpoint, bytes.NewReader(payload))
	if err != nil {
		return ProviderOutput{}, fmt.Errorf("%w: build request: %v", ErrProviderFailed, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if provider.authToken != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+provider.authToken)
	}
	response, err := provider.client.Do(httpRequest)
	if err != nil {
		return ProviderOutput{}, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return ProviderOutput{}, fmt.Errorf("%w: read response: %v", ErrProviderFailed, err)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		if len(body) > maxProviderErrorBody {
			body = body[:maxProviderErrorBody]
		}
		return ProviderOutput{}, fmt.Errorf("%w: status %d: %s", ErrProviderFailed, response.StatusCode, strings.TrimSpace(string(body)))
	}
	var output ProviderOutput
	if err := json.Unmarshal(body, &output); err != nil {
		return ProviderOutput{}, fmt.Errorf("%w: decode response: %v", ErrProviderFailed, err)
	}
	if strings.TrimSpace(output.ResultURL) == "" {
		return ProviderOutput{}, fmt.Errorf("%w: empty result", ErrProviderFailed)
	}
	return output, nil
}
