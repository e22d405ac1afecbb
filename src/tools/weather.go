package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/square-key-labs/strawgo-callagent/src/logger"
)

const DefaultWeatherURL = "http://api.openweathermap.org/data/2.5/weather"

// Sentences spoken back to the caller
const (
	weatherNoKey       = "OpenWeather API key is not set."
	weatherBadStatus   = "Sorry, I couldn't get the weather. Status code: %d"
	weatherNoData      = "Sorry, I couldn't find any weather data for that location."
	weatherUnavailable = "Sorry, I couldn't get the weather for that location right now."
	weatherReport      = "The weather in %s is %s with a temperature of %.1f°C."
)

// WeatherConfig holds configuration for the OpenWeather lookup
type WeatherConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the default client
	HTTPClient *http.Client
	Logger     *logger.Logger
}

// Weather looks up current conditions with the OpenWeather API
type Weather struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

type weatherResponse struct {
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main *struct {
		Temp *float64 `json:"temp"`
	} `json:"main"`
}

// NewWeather creates a weather lookup
func NewWeather(config WeatherConfig) *Weather {
	if config.BaseURL == "" {
		config.BaseURL = DefaultWeatherURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	log := config.Logger
	if log == nil {
		log = logger.WithPrefix("Weather")
	}
	return &Weather{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		client:  client,
		log:     log,
	}
}

// Lookup returns one sentence describing the weather at location.
// Every failure is reported as a sentence.
func (w *Weather) Lookup(ctx context.Context, location string) string {
	if w.apiKey == "" {
		return weatherNoKey
	}

	u, err := url.Parse(w.baseURL)
	if err != nil {
		w.log.Error("Invalid weather URL %q: %v", w.baseURL, err)
		return weatherUnavailable
	}
	q := u.Query()
	q.Set("q", location)
	q.Set("appid", w.apiKey)
	q.Set("units", "metric")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		w.log.Error("Failed to build weather request: %v", err)
		return weatherUnavailable
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Warn("Weather request for %q failed: %v", location, redact(err))
		return weatherUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.log.Warn("Weather request for %q returned %d", location, resp.StatusCode)
		return fmt.Sprintf(weatherBadStatus, resp.StatusCode)
	}

	var data weatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		w.log.Warn("Invalid weather response for %q: %v", location, err)
		return weatherUnavailable
	}

	if len(data.Weather) == 0 || data.Main == nil || data.Main.Temp == nil {
		return weatherNoData
	}
	description := strings.TrimSpace(data.Weather[0].Description)
	if description == "" {
		return weatherNoData
	}

	return fmt.Sprintf(weatherReport, location, description, *data.Main.Temp)
}

// Tool returns the get_weather registry entry
func (w *Weather) Tool() Tool {
	return Tool{
		Name:        "get_weather",
		Description: "Get the current weather in a given location",
		Parameters: []Parameter{{
			Name:        "location",
			Type:        "string",
			Description: "The city and state, e.g. San Francisco, CA",
			Required:    true,
		}},
		Handler: func(ctx context.Context, args map[string]interface{}) string {
			location, _ := args["location"].(string)
			location = strings.TrimSpace(location)
			if location == "" {
				return weatherNoData
			}
			return w.Lookup(ctx, location)
		},
	}
}

// redact drops the request URL, which carries the API key, from client errors
func redact(err error) error {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}
	endpoint := "weather endpoint"
	if u, perr := url.Parse(urlErr.URL); perr == nil {
		endpoint = u.Scheme + "://" + u.Host + u.Path
	}
	return fmt.Errorf("%s %s: %w", urlErr.Op, endpoint, urlErr.Err)
}
