package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-wide configuration. It is assembled once by Load and
// passed by pointer to every component; nothing mutates it afterwards.
type Config struct {
	// LiveKit
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string
	AgentName        string

	// Outbound telephony
	SIPTrunkID     string
	SIPDialTimeout time.Duration

	// Recording
	EgressS3AccessKey string
	EgressS3Secret    string
	EgressS3Region    string
	EgressS3Bucket    string
	EgressTimeout     time.Duration
	RecordingURLTTL   time.Duration

	// Weather tool
	OpenWeatherAPIKey  string
	OpenWeatherBaseURL string
	WeatherTimeout     time.Duration

	// Speech recognition
	CartesiaAPIKey   string
	CartesiaSTTModel string
	STTLanguage      string

	// Language model
	GoogleAPIKey   string
	GeminiModel    string
	LLMTemperature float64

	// Speech synthesis
	CartesiaTTSModel string
	CartesiaVoiceID  string
	TTSSampleRate    int

	// Voice activity detection
	SileroModelPath    string
	ONNXRuntimeLibPath string

	// Noise filter
	NoiseFilterEnabled bool
	NoiseGateThreshold float64

	// Turn detection
	TurnMinEndpointDelay time.Duration
	TurnMaxEndpointDelay time.Duration

	// Interruptions; zero values let any detected speech interrupt
	InterruptMinWords        int
	InterruptVolumeThreshold float64

	// Worker pool
	WorkerCount           int
	JobQueueSize          int
	ConnectRetryAttempts  int
	ConnectRetryBaseDelay time.Duration

	// Job status store
	RedisURL     string
	JobStatusTTL time.Duration

	// HTTP server
	Port              string
	WebhookValidation bool

	// Logging
	LogLevel  string
	LogColor  bool
	LogFrames bool
}

// Load reads .env (if present) and the environment into a Config.
func Load() *Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	return &Config{
		LiveKitURL:       getEnv("LIVEKIT_URL", ""),
		LiveKitAPIKey:    getEnv("LIVEKIT_API_KEY", ""),
		LiveKitAPISecret: getEnv("LIVEKIT_API_SECRET", ""),
		AgentName:        getEnv("AGENT_NAME", "livekit-tutorial-hugo"),

		SIPTrunkID:     getEnv("SIP_OUTBOUND_TRUNK_ID", "ST_p7QcFHJKXXUM"),
		SIPDialTimeout: getEnvAsDuration("SIP_DIAL_TIMEOUT", 60*time.Second),

		EgressS3AccessKey: getEnv("AWS_S3_ACCESS_KEY", ""),
		EgressS3Secret:    getEnv("AWS_S3_SECRET_KEY", ""),
		EgressS3Region:    getEnv("EGRESS_S3_REGION", "eu-north-1"),
		EgressS3Bucket:    getEnv("EGRESS_S3_BUCKET", "livekit-calls"),
		EgressTimeout:     getEnvAsDuration("EGRESS_TIMEOUT", 15*time.Second),
		RecordingURLTTL:   getEnvAsDuration("RECORDING_URL_TTL", time.Hour),

		OpenWeatherAPIKey:  getEnv("OPENWEATHER_API_KEY", ""),
		OpenWeatherBaseURL: getEnv("OPENWEATHER_BASE_URL", "http://api.openweathermap.org/data/2.5/weather"),
		WeatherTimeout:     getEnvAsDuration("WEATHER_TIMEOUT", 10*time.Second),

		CartesiaAPIKey:   getEnv("CARTESIA_API_KEY", ""),
		CartesiaSTTModel: getEnv("CARTESIA_STT_MODEL", "ink-whisper"),
		STTLanguage:      getEnv("STT_LANGUAGE", "en"),

		GoogleAPIKey:   getEnv("GOOGLE_API_KEY", ""),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		LLMTemperature: getEnvAsFloat("LLM_TEMPERATURE", 0.7),

		CartesiaTTSModel: getEnv("CARTESIA_TTS_MODEL", "sonic-2"),
		CartesiaVoiceID:  getEnv("CARTESIA_VOICE_ID", "a0e99841-438c-4a64-b679-ae501e7d6091"),
		TTSSampleRate:    getEnvAsInt("TTS_SAMPLE_RATE", 24000),

		SileroModelPath:    getEnv("SILERO_MODEL_PATH", "models/silero_vad.onnx"),
		ONNXRuntimeLibPath: getEnv("ONNXRUNTIME_LIB_PATH", ""),

		NoiseFilterEnabled: getEnvAsBool("NOISE_FILTER_ENABLED", true),
		NoiseGateThreshold: getEnvAsFloat("NOISE_GATE_THRESHOLD", 0.01),

		TurnMinEndpointDelay: getEnvAsDuration("TURN_MIN_ENDPOINT_DELAY", 500*time.Millisecond),
		TurnMaxEndpointDelay: getEnvAsDuration("TURN_MAX_ENDPOINT_DELAY", 3*time.Second),

		InterruptMinWords:        getEnvAsInt("INTERRUPT_MIN_WORDS", 0),
		InterruptVolumeThreshold: getEnvAsFloat("INTERRUPT_VOLUME_THRESHOLD", 0),

		WorkerCount:           getEnvAsInt("WORKER_COUNT", 4),
		JobQueueSize:          getEnvAsInt("JOB_QUEUE_SIZE", 64),
		ConnectRetryAttempts:  getEnvAsInt("CONNECT_RETRY_ATTEMPTS", 3),
		ConnectRetryBaseDelay: getEnvAsDuration("CONNECT_RETRY_BASE_DELAY", 500*time.Millisecond),

		RedisURL:     getEnv("REDIS_URL", ""),
		JobStatusTTL: getEnvAsDuration("JOB_STATUS_TTL", 24*time.Hour),

		Port:              getEnv("PORT", "8081"),
		WebhookValidation: getEnvAsBool("WEBHOOK_VALIDATION", true),

		LogLevel:  strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		LogColor:  getEnvAsBool("LOG_COLOR", true),
		LogFrames: getEnvAsBool("LOG_FRAMES", false),
	}
}

// Validate reports configuration that makes the process unable to serve any job.
func (c *Config) Validate() error {
	var errs []error
	if c.LiveKitURL == "" {
		errs = append(errs, errors.New("LIVEKIT_URL is required"))
	}
	if c.LiveKitAPIKey == "" {
		errs = append(errs, errors.New("LIVEKIT_API_KEY is required"))
	}
	if c.LiveKitAPISecret == "" {
		errs = append(errs, errors.New("LIVEKIT_API_SECRET is required"))
	}
	if c.WorkerCount < 1 {
		errs = append(errs, errors.New("WORKER_COUNT must be at least 1"))
	}
	return errors.Join(errs...)
}

// EgressConfigured reports whether storage credentials for recordings exist.
func (c *Config) EgressConfigured() bool {
	return c.EgressS3AccessKey != "" && c.EgressS3Secret != "" && c.EgressS3Bucket != ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
