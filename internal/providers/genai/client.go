package genai

import (
	"bytes"
	"context"
	"encoding/base64"
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
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash-image"

	// maxSourceBytes caps each downloaded person or garment photo.
	maxSourceBytes = 12 << 20
)

// ErrBlocked marks a request Gemini refused on safety grounds.
var ErrBlocked = errors.New("genai: request blocked")

// APIError is a non-success answer from the Gemini API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gemini status %d", e.Status)
	}
	return fmt.Sprintf("gemini status %d: %s", e.Status, e.Message)
}

// Options controls how the Gemini client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client calls Gemini image models for virtual try-on. Without an API key it
// renders deterministic synthetic images so the pipeline stays runnable in
// local and CI environments.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     infra.Logger
}

// TryOnRequest is one try-on generation.
type TryOnRequest struct {
	PersonImageURL  string
	GarmentImageURL string
	Prompt          string
	RequestID       string
}

// Image is one rendered picture.
type Image struct {
	Format string
	Width  int
	Height int
	Data   []byte
}

// NewClient constructs a Gemini client. A nil HTTP client gets a default one
// with a 60s timeout.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("genai: invalid base url: %w", err)
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
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     infra.Component(logger, "genai"),
	}, nil
}

// Model returns the configured Gemini model identifier.
func (c *Client) Model() string {
	return c.model
}

// HasCredentials reports whether remote calls are made.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// TryOn dresses the person in the garment. Remote failures are returned to
// the caller; only a missing API key switches to synthetic output.
func (c *Client) TryOn(ctx context.Context, req TryOnRequest) ([]Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.HasCredentials() {
		c.logger.Debug().Str("job_id", req.RequestID).Msg("genai: rendering synthetic try-on")
		return []Image{renderSynthetic(req)}, nil
	}

	person, err := c.inline(ctx, req.PersonImageURL)
	if err != nil {
		return nil, fmt.Errorf("genai: person image: %w", err)
	}
	garment, err := c.inline(ctx, req.GarmentImageURL)
	if err != nil {
		return nil, fmt.Errorf("genai: garment image: %w", err)
	}

	body := generateRequest{
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: tryOnInstruction(req.Prompt)}, {InlineData: person}, {InlineData: garment}},
		}},
		GenerationConfig: &generationConfig{CandidateCount: 1, ResponseModalities: []string{"TEXT", "IMAGE"}},
	}
	var resp generateResponse
	if err := c.call(ctx, "/models/"+url.PathEscape(c.model)+":generateContent", body, &resp); err != nil {
		return nil, err
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, resp.PromptFeedback.BlockReason)
	}

	var images []Image
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			img, ok, err := c.imageFrom(ctx, p)
			if err != nil {
				c.logger.Warn().Err(err).Str("job_id", req.RequestID).Msg("genai: skipping undecodable part")
				continue
			}
			if ok {
				images = append(images, img)
			}
		}
	}
	if len(images) == 0 {
		return nil, errors.New("genai: response contained no image")
	}

	c.logger.Debug().
		Str("job_id", req.RequestID).
		Str("model", c.model).
		Int("images", len(images)).
		Msg("genai: try-on generated")
	return images, nil
}

func (c *Client) call(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var env errorEnvelope
		if json.Unmarshal(data, &env) == nil && env.Error.Message != "" {
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gemini response: %w", err)
	}
	return nil
}

// imageFrom extracts the picture carried by p. Text parts report ok=false.
func (c *Client) imageFrom(ctx context.Context, p part) (Image, bool, error) {
	var (
		data   []byte
		format string
	)
	switch {
	case p.InlineData != nil && p.InlineData.Data != "":
		raw, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return Image{}, false, fmt.Errorf("decode inline data: %w", err)
		}
		data, format = raw, p.InlineData.MimeType
	case p.FileData != nil && p.FileData.FileURI != "":
		raw, mime, err := c.fetch(ctx, p.FileData.FileURI, true)
		if err != nil {
			return Image{}, false, err
		}
		data, format = raw, p.FileData.MimeType
		if format == "" {
			format = mime
		}
	default:
		return Image{}, false, nil
	}
	if len(data) == 0 {
		return Image{}, false, nil
	}
	if !strings.HasPrefix(format, "image/") {
		format = "image/png"
	}
	w, h := dimensions(data)
	return Image{Format: format, Width: w, Height: h, Data: data}, true, nil
}

// inline downloads a shopper-supplied photo for embedding in the request.
func (c *Client) inline(ctx context.Context, uri string) (*inlineData, error) {
	data, mime, err := c.fetch(ctx, uri, false)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mime, "image/") {
		return nil, fmt.Errorf("unsupported content type %q", mime)
	}
	return &inlineData{MimeType: mime, Data: base64.StdEncoding.EncodeToString(data)}, nil
}

// fetch downloads uri. Relative URIs resolve against the Gemini base URL and
// authenticated fetches carry the API key.
func (c *Client) fetch(ctx context.Context, uri string, authenticated bool) ([]byte, string, error) {
	target := uri
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(uri, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create download request: %w", err)
	}
	if authenticated {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download %s: status %d", target, resp.StatusCode)
	}
	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", target, err)
	}
	if len(blob) > maxSourceBytes {
		return nil, "", fmt.Errorf("download %s: larger than %d bytes", target, maxSourceBytes)
	}
	return blob, resp.Header.Get("Content-Type"), nil
}

// Gemini takes both photos as plain inputs, so the instruction names their
// order.
func tryOnInstruction(extra string) string {
	lines := []string{
		"The first image shows a person, the second image shows a garment.",
		"Generate a photorealistic image of the same person wearing the garment.",
		"Keep the person's face, body shape, pose and background unchanged.",
		"Preserve the garment's colour, pattern, fabric and logo without warping.",
	}
	if extra = strings.TrimSpace(extra); extra != "" {
		lines = append(lines, "Additional direction: "+extra)
	}
	return strings.Join(lines, "\n")
}

func dimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
