package imagery

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/solar-cli/internal/geospatial"
	"github.com/sells-group/solar-cli/pkg/google"
)

// UnsetGoogleAPIKey is the sample-config value that means "no key".
const UnsetGoogleAPIKey = "YOUR_GOOGLE_MAPS_API_KEY"

const googleRateKey = "https://maps.googleapis.com/"

// GoogleProvider acquires one centered static satellite image.
type GoogleProvider struct {
	apiKey      string
	client      google.Client
	limiters    *HostLimiters
	placeholder PlaceholderThresholds
}

// NewGoogleProvider wraps a Static Maps client. A nil limiters never blocks.
func NewGoogleProvider(apiKey string, client google.Client, limiters *HostLimiters, th PlaceholderThresholds) *GoogleProvider {
	if limiters == nil {
		limiters = Unlimited()
	}
	return &GoogleProvider{apiKey: apiKey, client: client, limiters: limiters, placeholder: th}
}

// Name implements Provider.
func (p *GoogleProvider) Name() string { return SourceGoogle }

// Available reports whether a real API key is configured.
func (p *GoogleProvider) Available() bool {
	return p.client != nil && p.apiKey != "" && p.apiKey != UnsetGoogleAPIKey
}

// Acquire implements Provider. Metadata carries the initial zoom even when
// the request was capped at the API maximum.
func (p *GoogleProvider) Acquire(ctx context.Context, req Request) (*Acquisition, error) {
	if err := p.limiters.Wait(ctx, googleRateKey); err != nil {
		return nil, err
	}
	zoom := min(req.InitialZoom, google.MaxStaticZoom)
	resp, err := p.client.StaticMap(ctx, google.StaticMapRequest{
		Lat:     req.Point.Lat,
		Lon:     req.Point.Lon,
		Zoom:    zoom,
		Size:    req.Size,
		MapType: "satellite",
	})
	if err != nil {
		return nil, eris.Wrap(err, "imagery: google static map")
	}

	img, err := decodeImage(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "imagery: google static map")
	}
	img = resizeRGBA(img, req.Size, req.Size)
	if p.placeholder.IsPlaceholder(img) {
		return nil, eris.Wrap(ErrPlaceholder, "imagery: google static map")
	}

	fp := geospatial.CenteredFootprint(req.Point.Lat, req.Point.Lon, zoom, req.Size)
	return &Acquisition{
		Image:             img,
		Metadata:          Metadata{Source: SourceGoogle, Zoom: req.InitialZoom},
		Footprint:         fp,
		CenterDriftMeters: geospatial.CenterDrift(req.Point, fp),
	}, nil
}
