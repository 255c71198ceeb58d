package config

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"voice-gateway/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	SIP       SIPConfig       `json:"sip"`
	Media     MediaConfig     `json:"media"`
	AI        AIConfig        `json:"ai"`
	STT       STTConfig       `json:"stt"`
	Backend   BackendConfig   `json:"backend"`
	Store     StoreConfig     `json:"store"`
	Messaging MessagingConfig `json:"messaging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Logging   LoggingConfig   `json:"logging"`

	// Per-DID tenant documents, resolved into a CallProfile once per call
	Tenants     *Tenants `json:"-"`
	TenantsFile string   `json:"tenants_file"`
	// Reload TenantsFile when it changes on disk
	WatchTenants bool `json:"watch_tenants"`
}

// SIPConfig holds signaling configuration
type SIPConfig struct {
	// External IP advertised in SDP answers (auto = auto-detect)
	ExternalIP string `json:"external_ip" env:"EXTERNAL_IP" default:"auto"`

	// SIP host address to bind to
	Host string `json:"host" env:"SIP_HOST" default:"0.0.0.0"`

	// SIP port
	Port int `json:"port" env:"SIP_PORT" default:"5060"`

	// Transport: udp or tcp
	Transport string `json:"transport" env:"SIP_TRANSPORT" default:"udp"`

	// User-Agent header value
	UserAgent string `json:"user_agent" env:"SIP_USER_AGENT" default:"voice-gateway"`

	// Bind retries while a previous instance's socket lingers
	BindMaxAttempts    int           `json:"bind_max_attempts" env:"SIP_BIND_MAX_ATTEMPTS" default:"6"`
	BindInitialBackoff time.Duration `json:"bind_initial_backoff" env:"SIP_BIND_INITIAL_BACKOFF" default:"500ms"`

	// Per-source INVITE admission
	InviteRateLimit float64 `json:"invite_rate_limit" env:"SIP_INVITE_RATE" default:"5"`
	InviteBurst     int     `json:"invite_burst" env:"SIP_INVITE_BURST" default:"10"`

	// Upper bound on concurrent calls (0 = port range is the only limit)
	MaxConcurrentCalls int `json:"max_concurrent_calls" env:"MAX_CONCURRENT_CALLS" default:"0"`
}

// MediaConfig holds RTP configuration
type MediaConfig struct {
	RTPPortMin int    `json:"rtp_port_min" env:"RTP_PORT_MIN" default:"10000"`
	RTPPortMax int    `json:"rtp_port_max" env:"RTP_PORT_MAX" default:"20000"`
	RTPBindIP  string `json:"rtp_bind_ip" env:"RTP_BIND_IP" default:""`

	// Outbound queue capacity in 20 ms frames
	QueueFrames int `json:"queue_frames" env:"RTP_QUEUE_FRAMES" default:"500"`

	// Silence played on answer
	SilencePreload time.Duration `json:"silence_preload" env:"RTP_SILENCE_PRELOAD" default:"1250ms"`
}

// AIConfig holds realtime conversational AI defaults
type AIConfig struct {
	// Flavor used when the tenant does not name one
	DefaultFlavor string `json:"default_flavor" env:"AI_DEFAULT_FLAVOR" default:"openai"`

	URL      string `json:"url" env:"AI_REALTIME_URL" default:"wss://api.openai.com/v1/realtime"`
	AzureURL string `json:"azure_url" env:"AI_AZURE_REALTIME_URL"`
	APIKey   string `json:"-" env:"AI_API_KEY"`
	Model    string `json:"model" env:"AI_MODEL" default:"gpt-4o-realtime-preview"`
	Voice    string `json:"voice" env:"AI_VOICE" default:"alloy"`

	Instructions string `json:"instructions" env:"AI_INSTRUCTIONS"`

	// Server VAD turn detection
	VADThreshold       float64       `json:"vad_threshold" env:"AI_VAD_THRESHOLD" default:"0.5"`
	VADPrefixPadding   time.Duration `json:"vad_prefix_padding" env:"AI_VAD_PREFIX_PADDING" default:"300ms"`
	VADSilenceDuration time.Duration `json:"vad_silence_duration" env:"AI_VAD_SILENCE_DURATION" default:"500ms"`

	ConnectTimeout    time.Duration `json:"connect_timeout" env:"AI_CONNECT_TIMEOUT" default:"10s"`
	ReconnectAttempts int           `json:"reconnect_attempts" env:"AI_RECONNECT_ATTEMPTS" default:"3"`
}

// STTConfig holds streaming speech-to-text configuration
type STTConfig struct {
	URL    string `json:"url" env:"STT_URL" default:"wss://stt-rt.soniox.com/transcribe-websocket"`
	APIKey string `json:"-" env:"STT_API_KEY"`
	Model  string `json:"model" env:"STT_MODEL" default:"stt-rt-preview"`

	LanguageHints []string `json:"language_hints" env:"STT_LANGUAGE_HINTS" default:"fa"`

	// Silence after finalized text before the utterance is flushed
	FlushDelay time.Duration `json:"flush_delay" env:"STT_FLUSH_DELAY" default:"500ms"`

	KeepaliveInterval time.Duration `json:"keepalive_interval" env:"STT_KEEPALIVE_INTERVAL" default:"10s"`

	MaxConnectFailures int           `json:"max_connect_failures" env:"STT_MAX_CONNECT_FAILURES" default:"3"`
	RetryBackoff       time.Duration `json:"retry_backoff" env:"STT_RETRY_BACKOFF" default:"500ms"`

	// Hand transcription to the AI provider when STT cannot connect
	FallbackEnabled bool `json:"fallback_enabled" env:"STT_FALLBACK_ENABLED" default:"false"`
}

// BackendConfig holds the order/customer backend HTTP client settings
type BackendConfig struct {
	BaseURL    string        `json:"base_url" env:"BACKEND_BASE_URL" default:"http://localhost:8000/api"`
	Token      string        `json:"-" env:"BACKEND_TOKEN"`
	Timeout    time.Duration `json:"timeout" env:"BACKEND_TIMEOUT" default:"5s"`
	RetryCount int           `json:"retry_count" env:"BACKEND_RETRY_COUNT" default:"2"`
}

// StoreConfig selects the key-value store used by tools
type StoreConfig struct {
	// Driver: memory or redis
	Driver        string `json:"driver" env:"STORE_DRIVER" default:"memory"`
	RedisAddress  string `json:"redis_address" env:"REDIS_ADDRESS" default:"localhost:6379"`
	RedisPassword string `json:"-" env:"REDIS_PASSWORD"`
	RedisDatabase int    `json:"redis_database" env:"REDIS_DATABASE" default:"0"`
	KeyPrefix     string `json:"key_prefix" env:"STORE_KEY_PREFIX" default:"gateway:"`
}

// MessagingConfig holds call event publishing configuration
type MessagingConfig struct {
	AMQPUrl      string `json:"amqp_url" env:"AMQP_URL"`
	ExchangeName string `json:"exchange_name" env:"AMQP_EXCHANGE_NAME" default:""`
	QueueName    string `json:"queue_name" env:"AMQP_QUEUE_NAME" default:"call-events"`
}

// Enabled reports whether an AMQP broker is configured
func (m MessagingConfig) Enabled() bool {
	return m.AMQPUrl != ""
}

// MetricsConfig holds the metrics/health HTTP listener settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"METRICS_ENABLED" default:"true"`
	Address string `json:"address" env:"METRICS_ADDRESS" default:":9090"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Log level
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`

	// Log format (json or text)
	Format string `json:"format" env:"LOG_FORMAT" default:"json"`

	// Log output file (empty = stdout)
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// Load loads the configuration from .env and the environment
func Load(logger *logrus.Logger) (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		if loadErr := godotenv.Load(envFile); loadErr == nil {
			loadedFrom, _ = filepath.Abs(envFile)
			break
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Successfully loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Warn("No .env file found, using environment variables only")
	}

	config := &Config{}

	if err := loadSIPConfig(logger, &config.SIP); err != nil {
		return nil, errors.Wrap(err, "failed to load SIP configuration")
	}
	if err := loadMediaConfig(logger, &config.Media); err != nil {
		return nil, errors.Wrap(err, "failed to load media configuration")
	}
	loadAIConfig(&config.AI)
	loadSTTConfig(&config.STT)
	loadBackendConfig(&config.Backend)
	loadStoreConfig(&config.Store)
	loadMessagingConfig(&config.Messaging)
	loadMetricsConfig(&config.Metrics)
	loadLoggingConfig(&config.Logging)

	tenantsFile := getEnv("TENANTS_FILE", "")
	config.TenantsFile = tenantsFile
	config.WatchTenants = getEnvBool("TENANTS_WATCH", true)
	if tenantsFile != "" {
		tenants, err := LoadTenants(tenantsFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load tenant configuration", map[string]interface{}{"path": tenantsFile})
		}
		config.Tenants = tenants
		logger.WithFields(logrus.Fields{
			"path": tenantsFile,
			"dids": tenants.Len(),
		}).Info("Loaded tenant configuration")
	} else {
		config.Tenants = NewTenants(nil)
		logger.Warn("TENANTS_FILE not set, every DID uses the base configuration")
	}

	if err := validateConfig(logger, config); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return config, nil
}

func loadSIPConfig(logger *logrus.Logger, config *SIPConfig) error {
	config.ExternalIP = getEnv("EXTERNAL_IP", "auto")
	if config.ExternalIP == "auto" {
		config.ExternalIP = getExternalIP(logger)
		logger.WithField("external_ip", config.ExternalIP).Info("Auto-detected external IP")
	}

	config.Host = getEnv("SIP_HOST", "0.0.0.0")

	port, err := strconv.Atoi(getEnv("SIP_PORT", "5060"))
	if err != nil || port < 1 || port > 65535 {
		return errors.New(fmt.Sprintf("invalid SIP_PORT: %s", os.Getenv("SIP_PORT")))
	}
	config.Port = port

	config.Transport = strings.ToLower(getEnv("SIP_TRANSPORT", "udp"))
	config.UserAgent = getEnv("SIP_USER_AGENT", "voice-gateway")
	config.BindMaxAttempts = getEnvInt("SIP_BIND_MAX_ATTEMPTS", 6)
	config.BindInitialBackoff = getEnvDuration("SIP_BIND_INITIAL_BACKOFF", 500*time.Millisecond)
	config.InviteRateLimit = getEnvFloat("SIP_INVITE_RATE", 5)
	config.InviteBurst = getEnvInt("SIP_INVITE_BURST", 10)
	config.MaxConcurrentCalls = getEnvInt("MAX_CONCURRENT_CALLS", 0)
	return nil
}

func loadMediaConfig(logger *logrus.Logger, config *MediaConfig) error {
	rtpMin := getEnvInt("RTP_PORT_MIN", 10000)
	if rtpMin < 1024 || rtpMin > 65000 {
		logger.Warn("Invalid RTP_PORT_MIN value, using default: 10000")
		rtpMin = 10000
	}
	config.RTPPortMin = rtpMin

	rtpMax := getEnvInt("RTP_PORT_MAX", 20000)
	if rtpMax <= config.RTPPortMin || rtpMax > 65535 {
		logger.Warn("Invalid RTP_PORT_MAX value, using default: 20000")
		rtpMax = 20000
	}
	config.RTPPortMax = rtpMax

	if (config.RTPPortMax - config.RTPPortMin) < 100 {
		logger.Warn("RTP port range too small, at least 100 ports are recommended")
	}

	config.RTPBindIP = getEnv("RTP_BIND_IP", "")
	config.QueueFrames = getEnvInt("RTP_QUEUE_FRAMES", 500)
	config.SilencePreload = getEnvDuration("RTP_SILENCE_PRELOAD", 1250*time.Millisecond)
	return nil
}

func loadAIConfig(config *AIConfig) {
	config.DefaultFlavor = getEnv("AI_DEFAULT_FLAVOR", "openai")
	config.URL = getEnv("AI_REALTIME_URL", "wss://api.openai.com/v1/realtime")
	config.AzureURL = getEnv("AI_AZURE_REALTIME_URL", "")
	config.APIKey = getEnv("AI_API_KEY", "")
	config.Model = getEnv("AI_MODEL", "gpt-4o-realtime-preview")
	config.Voice = getEnv("AI_VOICE", "alloy")
	config.Instructions = getEnv("AI_INSTRUCTIONS", "")
	config.VADThreshold = getEnvFloat("AI_VAD_THRESHOLD", 0.5)
	config.VADPrefixPadding = getEnvDuration("AI_VAD_PREFIX_PADDING", 300*time.Millisecond)
	config.VADSilenceDuration = getEnvDuration("AI_VAD_SILENCE_DURATION", 500*time.Millisecond)
	config.ConnectTimeout = getEnvDuration("AI_CONNECT_TIMEOUT", 10*time.Second)
	config.ReconnectAttempts = getEnvInt("AI_RECONNECT_ATTEMPTS", 3)
}

func loadSTTConfig(config *STTConfig) {
	config.URL = getEnv("STT_URL", "wss://stt-rt.soniox.com/transcribe-websocket")
	config.APIKey = getEnv("STT_API_KEY", "")
	config.Model = getEnv("STT_MODEL", "stt-rt-preview")
	config.LanguageHints = getEnvList("STT_LANGUAGE_HINTS", []string{"fa"})
	config.FlushDelay = getEnvDuration("STT_FLUSH_DELAY", 500*time.Millisecond)
	config.KeepaliveInterval = getEnvDuration("STT_KEEPALIVE_INTERVAL", 10*time.Second)
	config.MaxConnectFailures = getEnvInt("STT_MAX_CONNECT_FAILURES", 3)
	config.RetryBackoff = getEnvDuration("STT_RETRY_BACKOFF", 500*time.Millisecond)
	config.FallbackEnabled = getEnvBool("STT_FALLBACK_ENABLED", false)
}

func loadBackendConfig(config *BackendConfig) {
	config.BaseURL = getEnv("BACKEND_BASE_URL", "http://localhost:8000/api")
	config.Token = getEnv("BACKEND_TOKEN", "")
	config.Timeout = getEnvDuration("BACKEND_TIMEOUT", 5*time.Second)
	config.RetryCount = getEnvInt("BACKEND_RETRY_COUNT", 2)
}

func loadStoreConfig(config *StoreConfig) {
	config.Driver = strings.ToLower(getEnv("STORE_DRIVER", "memory"))
	config.RedisAddress = getEnv("REDIS_ADDRESS", "localhost:6379")
	config.RedisPassword = getEnv("REDIS_PASSWORD", "")
	config.RedisDatabase = getEnvInt("REDIS_DATABASE", 0)
	config.KeyPrefix = getEnv("STORE_KEY_PREFIX", "gateway:")
}

func loadMessagingConfig(config *MessagingConfig) {
	config.AMQPUrl = getEnv("AMQP_URL", "")
	config.ExchangeName = getEnv("AMQP_EXCHANGE_NAME", "")
	config.QueueName = getEnv("AMQP_QUEUE_NAME", "call-events")
}

func loadMetricsConfig(config *MetricsConfig) {
	config.Enabled = getEnvBool("METRICS_ENABLED", true)
	config.Address = getEnv("METRICS_ADDRESS", ":9090")
}

func loadLoggingConfig(config *LoggingConfig) {
	config.Level = getEnv("LOG_LEVEL", "info")
	config.Format = getEnv("LOG_FORMAT", "json")
	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
}

func validateConfig(logger *logrus.Logger, config *Config) error {
	if config.Metrics.Enabled {
		if _, port, err := net.SplitHostPort(config.Metrics.Address); err == nil && port == strconv.Itoa(config.SIP.Port) {
			return errors.New(fmt.Sprintf("port conflict: SIP port %d conflicts with metrics address", config.SIP.Port))
		}
	}

	if config.SIP.Transport != "udp" && config.SIP.Transport != "tcp" {
		return errors.New(fmt.Sprintf("unsupported SIP_TRANSPORT: %s", config.SIP.Transport))
	}

	if config.Media.RTPPortMax <= config.Media.RTPPortMin {
		return errors.New("invalid RTP port range: RTP_PORT_MAX must be greater than RTP_PORT_MIN")
	}

	if config.Media.QueueFrames <= 0 {
		return errors.New("RTP_QUEUE_FRAMES must be positive")
	}

	if config.Store.Driver != "memory" && config.Store.Driver != "redis" {
		return errors.New(fmt.Sprintf("unsupported STORE_DRIVER: %s", config.Store.Driver))
	}

	if config.STT.FlushDelay <= 0 {
		return errors.New("STT_FLUSH_DELAY must be a positive duration")
	}

	if config.AI.APIKey == "" {
		logger.Warn("AI_API_KEY is empty, realtime sessions will fail to authenticate")
	}
	if config.STT.APIKey == "" {
		logger.Warn("STT_API_KEY is empty, STT sessions will fail to authenticate")
	}

	if config.Logging.OutputFile != "" {
		f, err := os.OpenFile(config.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("cannot write to log file: %s", config.Logging.OutputFile))
		}
		f.Close()
	}

	return nil
}

// ApplyLogging configures the logger according to the logging configuration
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// SIPAddress returns host:port for the SIP listener
func (s SIPConfig) SIPAddress() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

// getEnvFloat retrieves an environment variable and converts it to float64
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvList splits a comma-separated variable, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// Helper function to get external IP
func getExternalIP(logger *logrus.Logger) string {
	services := []string{
		"https://api.ipify.org",
		"https://ifconfig.me",
		"https://icanhazip.com",
	}

	client := &http.Client{Timeout: 3 * time.Second}
	for _, service := range services {
		resp, err := client.Get(service)
		if err != nil {
			continue
		}

		body := make([]byte, 100)
		n, _ := resp.Body.Read(body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK && n > 0 {
			return strings.TrimSpace(string(body[:n]))
		}
	}

	logger.Warn("Could not auto-detect external IP, falling back to interface address")
	return getInternalIP(logger)
}

// Helper function to get internal IP
func getInternalIP(logger *logrus.Logger) string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		logger.Warn("Could not get interface addresses, using localhost as fallback")
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	logger.Warn("Could not find non-loopback interface address, using localhost as fallback")
	return "127.0.0.1"
}
