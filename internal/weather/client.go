package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/weatherhub/weatherhub/internal/telemetry"
)

const userAgent = "weatherhub/1.0 (+https://github.com/weatherhub/weatherhub)"

// Client fetches data from the National Weather Service API.
//
// Its core contract: fetch never returns an error value. A 2xx response with
// a decodable body yields the payload and true; any other outcome (non-2xx
// status, transport failure, decode failure) yields false after the cause is
// logged. Callers branch on presence only.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *Client) fetch(ctx context.Context, rawURL string, dst any) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		c.logger.Warn("weather api request build failed", "url", rawURL, "err", err)
		telemetry.IncUpstreamError("nws", 0)
		return false
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/geo+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("weather api request failed", "url", rawURL, "err", err)
		telemetry.IncUpstreamError("nws", 0)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("weather api non-success status",
			"url", rawURL,
			"status", resp.StatusCode,
			"body", string(body),
		)
		telemetry.IncUpstreamError("nws", resp.StatusCode)
		return false
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		c.logger.Warn("weather api decode failed", "url", rawURL, "err", err)
		telemetry.IncUpstreamError("nws", 0)
		return false
	}
	return true
}

// AlertProperties carries the fields rendered for one active alert.
// Optional fields may arrive empty; formatting substitutes placeholders.
type AlertProperties struct {
	Event       string `json:"event"`
	AreaDesc    string `json:"areaDesc"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Instruction string `json:"instruction"`
}

type AlertFeature struct {
	Properties AlertProperties `json:"properties"`
}

type alertsResponse struct {
	Features []AlertFeature `json:"features"`
}

// ActiveAlerts fetches the active alerts for a two-letter area code.
// The second return value is false only if the fetch itself failed; a
// successful fetch with zero alerts returns an empty (non-nil) slice.
func (c *Client) ActiveAlerts(ctx context.Context, area string) ([]AlertFeature, bool) {
	var out alertsResponse
	if !c.fetch(ctx, fmt.Sprintf("%s/alerts/active/area/%s", c.baseURL, url.PathEscape(area)), &out) {
		return nil, false
	}
	if out.Features == nil {
		out.Features = []AlertFeature{}
	}
	return out.Features, true
}

// GridPoint is the first hop of a forecast lookup: it resolves coordinates
// to the URL of their forecast feed.
type GridPoint struct {
	Properties struct {
		Forecast string `json:"forecast"`
	} `json:"properties"`
}

func (c *Client) GridPoint(ctx context.Context, lat, lon float64) (*GridPoint, bool) {
	var out GridPoint
	if !c.fetch(ctx, fmt.Sprintf("%s/points/%.4f,%.4f", c.baseURL, lat, lon), &out) {
		return nil, false
	}
	if out.Properties.Forecast == "" {
		c.logger.Warn("grid point response missing forecast url", "lat", lat, "lon", lon)
		return nil, false
	}
	return &out, true
}

// ForecastPeriod carries the fields rendered for one forecast period.
type ForecastPeriod struct {
	Name             string `json:"name"`
	Temperature      *int   `json:"temperature"`
	TemperatureUnit  string `json:"temperatureUnit"`
	WindSpeed        string `json:"windSpeed"`
	WindDirection    string `json:"windDirection"`
	DetailedForecast string `json:"detailedForecast"`
}

type forecastResponse struct {
	Properties struct {
		Periods []ForecastPeriod `json:"periods"`
	} `json:"properties"`
}

// ForecastPeriods fetches the forecast feed resolved by GridPoint.
func (c *Client) ForecastPeriods(ctx context.Context, forecastURL string) ([]ForecastPeriod, bool) {
	var out forecastResponse
	if !c.fetch(ctx, forecastURL, &out) {
		return nil, false
	}
	return out.Properties.Periods, true
}
