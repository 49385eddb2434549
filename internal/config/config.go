package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfigurationMissing reports that one or more required settings are absent.
var ErrConfigurationMissing = errors.New("configuration missing")

// DefaultInstructions is the system prompt used when REALTIME_INSTRUCTIONS is unset.
const DefaultInstructions = `You are a helpful voice-enabled customer assistant for a sports store.
As the voice assistant, you answer questions very succinctly and friendly. Do not enumerate any items and be brief.
Only answer questions based on information available in the product search, accessible via the 'search' tool.
Always use the 'search' tool before answering a question about products.
If the 'search' tool does not yield any product results, respond that you are unable to answer the given question.`

const (
	ToolErrorPolicyFail     = "fail"
	ToolErrorPolicyContinue = "continue"
)

// Temperature range accepted by the realtime API.
const (
	minTemperature = 0.6
	maxTemperature = 1.2
)

// Config contains all runtime settings for one realtime search conversation.
type Config struct {
	OpenAIEndpoint   string
	OpenAIAPIKey     string
	OpenAIDeployment string
	OpenAIAPIVersion string

	SearchEndpoint   string
	SearchAPIKey     string
	SearchIndex      string
	SearchAPIVersion string
	SearchMaxResults int

	InputAudioPath  string
	OutputAudioPath string

	Voice         string
	Temperature   *float64
	TurnDetection string
	Instructions  string

	ToolErrorPolicy string

	ConversationTimeout time.Duration
	MetricsAddr         string
	MetricsNamespace    string

	DatabaseURL string
}

// Load reads environment variables, applies defaults and validates required keys.
func Load() (Config, error) {
	cfg := Config{
		OpenAIEndpoint:   stringsTrimSpace("AZURE_OPENAI_ENDPOINT"),
		OpenAIAPIKey:     stringsTrimSpace("AZURE_OPENAI_API_KEY"),
		OpenAIDeployment: stringsTrimSpace("AZURE_OPENAI_DEPLOYMENT"),
		OpenAIAPIVersion: envOrDefault("AZURE_OPENAI_API_VERSION", "2024-10-01-preview"),
		SearchEndpoint:   stringsTrimSpace("AZURE_SEARCH_ENDPOINT"),
		SearchAPIKey:     stringsTrimSpace("AZURE_SEARCH_API_KEY"),
		SearchIndex:      stringsTrimSpace("AZURE_SEARCH_INDEX"),
		SearchAPIVersion: envOrDefault("AZURE_SEARCH_API_VERSION", "2023-11-01"),
		SearchMaxResults: 5,
		InputAudioPath:   envOrDefault("INPUT_AUDIO_PATH", "user-question.pcm"),
		OutputAudioPath:  envOrDefault("OUTPUT_AUDIO_PATH", "assistant-response.pcm"),
		Voice:            stringsTrimSpace("REALTIME_VOICE"),
		// server_vad mirrors the realtime service default; "none" makes the client
		// commit the audio buffer and request a response itself.
		TurnDetection:       strings.ToLower(envOrDefault("REALTIME_TURN_DETECTION", "server_vad")),
		Instructions:        envOrDefault("REALTIME_INSTRUCTIONS", DefaultInstructions),
		ToolErrorPolicy:     strings.ToLower(envOrDefault("TOOL_ERROR_POLICY", ToolErrorPolicyFail)),
		ConversationTimeout: 10 * time.Minute,
		MetricsAddr:         stringsTrimSpace("APP_METRICS_ADDR"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "voicerag"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
	}

	var err error
	cfg.SearchMaxResults, err = intFromEnv("SEARCH_MAX_RESULTS", cfg.SearchMaxResults)
	if err != nil {
		return Config{}, err
	}
	cfg.ConversationTimeout, err = durationFromEnv("APP_CONVERSATION_TIMEOUT", cfg.ConversationTimeout)
	if err != nil {
		return Config{}, err
	}
	// Unset means the deployment default; the realtime API rejects 0.
	cfg.Temperature, err = optionalFloatFromEnv("REALTIME_TEMPERATURE")
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required keys and value ranges. Every missing key is reported at once.
func (c Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"AZURE_OPENAI_ENDPOINT", c.OpenAIEndpoint},
		{"AZURE_OPENAI_API_KEY", c.OpenAIAPIKey},
		{"AZURE_OPENAI_DEPLOYMENT", c.OpenAIDeployment},
		{"AZURE_SEARCH_ENDPOINT", c.SearchEndpoint},
		{"AZURE_SEARCH_API_KEY", c.SearchAPIKey},
		{"AZURE_SEARCH_INDEX", c.SearchIndex},
		{"INPUT_AUDIO_PATH", c.InputAudioPath},
	}
	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s must be set", ErrConfigurationMissing, strings.Join(missing, ", "))
	}

	if c.SearchMaxResults <= 0 {
		return fmt.Errorf("SEARCH_MAX_RESULTS must be positive")
	}
	if c.ConversationTimeout < 0 {
		return fmt.Errorf("APP_CONVERSATION_TIMEOUT must be >= 0")
	}
	if t := c.Temperature; t != nil && (*t < minTemperature || *t > maxTemperature) {
		return fmt.Errorf("REALTIME_TEMPERATURE must be within [%.1f, %.1f]", minTemperature, maxTemperature)
	}
	switch c.TurnDetection {
	case "server_vad", "semantic_vad", "none":
	default:
		return fmt.Errorf("invalid REALTIME_TURN_DETECTION: %q (expected server_vad|semantic_vad|none)", c.TurnDetection)
	}
	switch c.ToolErrorPolicy {
	case ToolErrorPolicyFail, ToolErrorPolicyContinue:
	default:
		return fmt.Errorf("invalid TOOL_ERROR_POLICY: %q (expected fail|continue)", c.ToolErrorPolicy)
	}
	return nil
}

// CheckInputAudio verifies that the input audio file exists and is a regular file.
func (c Config) CheckInputAudio() error {
	info, err := os.Stat(c.InputAudioPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: input audio file %q does not exist", ErrConfigurationMissing, c.InputAudioPath)
		}
		return fmt.Errorf("stat input audio: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input audio path %q is a directory", c.InputAudioPath)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func optionalFloatFromEnv(key string) (*float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("%s parse error: %w", key, err)
	}
	return &f, nil
}
