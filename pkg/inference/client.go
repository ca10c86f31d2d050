// Package inference provides a client for the solar panel segmentation
// model server.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/solar-cli/internal/resilience"
)

// Client defines the model server operations.
type Client interface {
	// Predict runs segmentation on one encoded image.
	Predict(ctx context.Context, req PredictRequest) (*PredictResponse, error)
	// Health returns nil when the server is ready to serve predictions.
	Health(ctx context.Context) error
}

// PredictRequest is one image plus inference thresholds.
type PredictRequest struct {
	Image    []byte
	Filename string
	// Confidence and IoU are the score and NMS thresholds.
	Confidence float64
	IoU        float64
	// ImageSize is the model input size. 0 lets the server decide.
	ImageSize int
}

// PredictResponse is the parsed /predict response.
type PredictResponse struct {
	Detections  []Detection `json:"detections"`
	Model       string      `json:"model,omitempty"`
	InferenceMs float64     `json:"inference_ms,omitempty"`
}

// Detection is one instance as returned by the server. Box is x1, y1, x2, y2
// in input-image pixels.
type Detection struct {
	Box        [4]float64 `json:"box"`
	Confidence float64    `json:"confidence"`
	Class      int        `json:"class"`
	Mask       *RLE       `json:"mask,omitempty"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inference: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetry retries transient failures (429, 5xx, network errors).
func WithRetry(p resilience.RetryPolicy) Option {
	return func(c *httpClient) {
		c.retry = p
	}
}

// WithAPIKey sends a bearer token with every request.
func WithAPIKey(key string) Option {
	return func(c *httpClient) {
		c.apiKey = key
	}
}

type httpClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   resilience.RetryPolicy
}

// NewClient creates a model server client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
		retry: resilience.NoRetry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.ShouldRetry == nil {
		c.retry.ShouldRetry = IsRetryable
	}
	return c
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return resilience.IsTransientHTTPStatus(apiErr.StatusCode)
	}
	return resilience.IsTransient(err)
}

func (c *httpClient) Predict(ctx context.Context, r PredictRequest) (*PredictResponse, error) {
	if len(r.Image) == 0 {
		return nil, eris.New("inference: empty image")
	}
	body, contentType, err := encodeMultipart(r)
	if err != nil {
		return nil, err
	}

	respBody, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
		if err != nil {
			return nil, eris.Wrap(err, "inference: create request")
		}
		req.Header.Set("Content-Type", contentType)
		return c.do(req)
	})
	if err != nil {
		return nil, err
	}

	var result PredictResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "inference: unmarshal response")
	}
	return &result, nil
}

func (c *httpClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return eris.Wrap(err, "inference: create health request")
	}
	_, err = c.do(req)
	return err
}

func (c *httpClient) do(req *http.Request) ([]byte, error) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "inference: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "inference: read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > 512 {
			body = body[:512]
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func encodeMultipart(r PredictRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	name := r.Filename
	if name == "" {
		name = "image.png"
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", eris.Wrap(err, "inference: create form file")
	}
	if _, err := part.Write(r.Image); err != nil {
		return nil, "", eris.Wrap(err, "inference: write image")
	}

	fields := map[string]string{
		"conf": strconv.FormatFloat(r.Confidence, 'f', -1, 64),
		"iou":  strconv.FormatFloat(r.IoU, 'f', -1, 64),
	}
	if r.ImageSize > 0 {
		fields["imgsz"] = strconv.Itoa(r.ImageSize)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", eris.Wrapf(err, "inference: write field %s", k)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", eris.Wrap(err, "inference: close multipart")
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
