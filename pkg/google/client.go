package google

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://maps.googleapis.com/maps/api"

// MaxStaticZoom is the highest zoom the Static Maps API serves.
const MaxStaticZoom = 20

// Client performs Google Static Maps API operations.
type Client interface {
	StaticMap(ctx context.Context, req StaticMapRequest) (*StaticMapResponse, error)
}

// StaticMapRequest describes a centered square satellite image.
type StaticMapRequest struct {
	Lat     float64
	Lon     float64
	Zoom    int
	Size    int
	MapType string
}

// StaticMapResponse carries the encoded image.
type StaticMapResponse struct {
	Body        []byte
	ContentType string
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Google Static Maps API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) StaticMap(ctx context.Context, r StaticMapRequest) (*StaticMapResponse, error) {
	if r.Size <= 0 {
		return nil, eris.Errorf("google: invalid image size %d", r.Size)
	}
	zoom := r.Zoom
	if zoom > MaxStaticZoom {
		zoom = MaxStaticZoom
	}
	mapType := r.MapType
	if mapType == "" {
		mapType = "satellite"
	}

	q := url.Values{}
	q.Set("center", fmt.Sprintf("%s,%s",
		strconv.FormatFloat(r.Lat, 'f', -1, 64),
		strconv.FormatFloat(r.Lon, 'f', -1, 64)))
	q.Set("zoom", strconv.Itoa(zoom))
	q.Set("size", fmt.Sprintf("%dx%d", r.Size, r.Size))
	q.Set("maptype", mapType)
	q.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/staticmap?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "google: create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "google: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "google: read response")
	}

	if resp.StatusCode != http.StatusOK {
		snippet := body
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, eris.Errorf("google: unexpected status %d: %s", resp.StatusCode, string(snippet))
	}

	return &StaticMapResponse{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}
