package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/user/r1x/internal/runtime"
)

const openMeteoURL = "https://api.open-meteo.com/v1/forecast"

var geoPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)° ([NS]),\s*(\d+(?:\.\d+)?)° ([EW])$`)

// Geolocation is a signed decimal coordinate pair.
type Geolocation struct {
	Lat float64
	Lon float64
}

// ParseGeolocation parses text of the form "32.08° N, 34.78° E". South and
// west are negative. It reports false for anything else.
func ParseGeolocation(text string) (Geolocation, bool) {
	m := geoPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return Geolocation{}, false
	}
	lat, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Geolocation{}, false
	}
	lon, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return Geolocation{}, false
	}
	if m[2] == "S" {
		lat = -lat
	}
	if m[4] == "W" {
		lon = -lon
	}
	return Geolocation{Lat: lat, Lon: lon}, true
}

// Weather is the WEATHER tool: it geocodes the location with a search and
// fetches a 3-day daily forecast from Open-Meteo.
type Weather struct {
	searcher Searcher
	baseURL  string
	client   *http.Client
}

// NewWeather creates the WEATHER tool.
func NewWeather(searcher Searcher) *Weather {
	return &Weather{
		searcher: searcher,
		baseURL:  openMeteoURL,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *Weather) Name() string { return "WEATHER" }
func (w *Weather) Description() string {
	return "per-location 3-day weather forecast, at day granularity. It does not provide a finer-grained forecast. TOOL_INPUT=<City, Country>, both in English. TOOL_INPUT should always be a well-defined settlement and country/state. IMPORTANT: If you believe the right value for TOOL_INPUT is unknown/my location/similar, do not ask for the tool to be invoked and instead use the ANSWER format to ask the user for location information."
}
func (w *Weather) Example() string { return `"Tel Aviv, Israel"` }

// Execute returns the forecast's "daily" object as JSON, or "" when the
// location could not be geocoded.
func (w *Weather) Execute(ctx context.Context, call runtime.Call) (string, error) {
	location, err := textInput(call.Input)
	if err != nil {
		return "", err
	}

	geoText, err := w.searcher.Search(ctx, location+" long lat")
	if err != nil {
		return "", fmt.Errorf("geocode %q: %w", location, err)
	}
	geo, ok := ParseGeolocation(geoText)
	if !ok {
		return "", nil
	}
	return w.forecast(ctx, geo)
}

func (w *Weather) forecast(ctx context.Context, geo Geolocation) (string, error) {
	u, err := url.Parse(w.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(geo.Lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(geo.Lon, 'f', -1, 64))
	q.Set("daily", "temperature_2m_max,temperature_2m_min,precipitation_hours,precipitation_probability_max,windspeed_10m_max")
	q.Set("forecast_days", "3")
	q.Set("timezone", "auto")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("forecast request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("open-meteo error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Daily json.RawMessage `json:"daily"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse forecast: %w", err)
	}
	if len(result.Daily) == 0 {
		return "", fmt.Errorf("forecast has no daily data")
	}
	return string(result.Daily), nil
}
