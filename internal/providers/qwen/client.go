package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tryon/internal/infra"
)

const (
	defaultBaseURL = "https://dashscope-intl.aliyuncs.com/api/v1"
	defaultModel   = "qwen-image-edit"
	generationPath = "/services/aigc/multimodal-generation/generation"

	// DashScope result images are a few MB at most.
	maxImageBytes = 20 << 20
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("qwen: api key is required")

// APIError is a non-success answer from DashScope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("qwen: status %d", e.Status)
	}
	if e.Code == "" {
		return fmt.Sprintf("qwen: %s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("qwen: %s (%s)", e.Message, e.Code)
}

// Throttled reports whether DashScope rejected the call for quota reasons.
func (e *APIError) Throttled() bool {
	return e.Status == http.StatusTooManyRequests || e.Code == "Throttling" || strings.HasPrefix(e.Code, "Throttling.")
}

// Options configures the DashScope Qwen client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	Watermark      bool
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client dresses a person photo in a garment through DashScope's Qwen image
// editing model.
type Client struct {
	apiKey     string
	endpoint   string
	model      string
	watermark  bool
	httpClient *http.Client
	logger     infra.Logger
}

// TryOnRequest carries one try-on call. The person photo is the image being
// edited and the garment photo is the reference.
type TryOnRequest struct {
	PersonImageURL  string
	GarmentImageURL string
	Instruction     string
	NegativePrompt  string
	Seed            int
	RequestID       string
}

// Rendered is the downloaded try-on image.
type Rendered struct {
	SourceURL string
	Data      []byte
	Format    string
	Width     int
	Height    int
}

type payload struct {
	Model      string     `json:"model"`
	Input      input      `json:"input"`
	Parameters parameters `json:"parameters"`
}

type input struct {
	Messages []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content []part `json:"content"`
}

type part struct {
	Image string `json:"image,omitempty"`
	Text  string `json:"text,omitempty"`
}

type parameters struct {
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Watermark      bool   `json:"watermark"`
	Seed           *int   `json:"seed,omitempty"`
}

type reply struct {
	Output struct {
		Choices []struct {
			Message struct {
				Content []part `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	} `json:"output"`
	Usage struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"usage"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// NewClient constructs a client. An empty key yields a client whose
// HasCredentials reports false.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("qwen: base url: %w", err)
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		endpoint:   baseURL + generationPath,
		model:      model,
		watermark:  opts.Watermark,
		httpClient: httpClient,
		logger:     infra.Component(logger, "qwen"),
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// TryOn renders the person wearing the garment and downloads the result.
func (c *Client) TryOn(ctx context.Context, req TryOnRequest) (*Rendered, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	person := strings.TrimSpace(req.PersonImageURL)
	garment := strings.TrimSpace(req.GarmentImageURL)
	if person == "" || garment == "" {
		return nil, errors.New("qwen: person and garment images are required")
	}
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		return nil, errors.New("qwen: instruction is required")
	}

	body := payload{
		Model: c.model,
		Input: input{Messages: []message{{
			Role:    "user",
			Content: []part{{Image: person}, {Image: garment}, {Text: instruction}},
		}}},
		Parameters: parameters{
			NegativePrompt: strings.TrimSpace(req.NegativePrompt),
			Watermark:      c.watermark,
		},
	}
	if req.Seed > 0 {
		seed := req.Seed
		body.Parameters.Seed = &seed
	}

	decoded, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	source := firstImage(decoded)
	if source == "" {
		return nil, errors.New("qwen: reply carried no image")
	}
	out, err := c.download(ctx, source)
	if err != nil {
		return nil, err
	}
	out.Width, out.Height = decoded.Usage.Width, decoded.Usage.Height
	if out.Width == 0 || out.Height == 0 {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(out.Data)); err == nil {
			out.Width, out.Height = cfg.Width, cfg.Height
		}
	}

	c.logger.Debug().
		Str("model", c.model).
		Str("job_id", req.RequestID).
		Str("dashscope_request_id", decoded.RequestID).
		Int("bytes", len(out.Data)).
		Msg("qwen: try-on rendered")
	return out, nil
}

func (c *Client) post(ctx context.Context, body payload) (*reply, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("qwen: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("qwen: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("qwen: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("qwen: read response: %w", err)
	}

	var decoded reply
	decodeErr := json.Unmarshal(data, &decoded)
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil {
			apiErr.Code, apiErr.Message = decoded.Code, decoded.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("qwen: decode response: %w", decodeErr)
	}
	if decoded.Code != "" {
		return nil, &APIError{Status: resp.StatusCode, Code: decoded.Code, Message: decoded.Message}
	}
	return &decoded, nil
}

// DashScope result URLs expire, so the bytes are fetched right away.
func (c *Client) download(ctx context.Context, source string) (*Rendered, error) {
	parsed, err := url.Parse(source)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("qwen: invalid image url %q", source)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("qwen: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qwen: download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qwen: download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("qwen: read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("qwen: image exceeds %d bytes", maxImageBytes)
	}
	format := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(format, "image/") {
		format = http.DetectContentType(data)
		if !strings.HasPrefix(format, "image/") {
			format = "image/png"
		}
	}
	return &Rendered{SourceURL: source, Data: data, Format: format}, nil
}

func firstImage(r *reply) string {
	for _, choice := range r.Output.Choices {
		for _, p := range choice.Message.Content {
			if u := strings.TrimSpace(p.Image); u != "" {
				return u
			}
		}
	}
	return ""
}
