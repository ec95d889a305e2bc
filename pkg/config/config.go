package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"voip-server/pkg/errors"
	"voip-server/pkg/version"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	Network NetworkConfig `json:"network"`
	SDP     SDPConfig     `json:"sdp"`
	Calls   CallsConfig   `json:"calls"`
	HTTP    HTTPConfig    `json:"http"`
	Logging LoggingConfig `json:"logging"`
}

// NetworkConfig holds the SIP socket configuration
type NetworkConfig struct {
	// Host to bind the SIP UDP socket to
	Host string `json:"host" env:"SIP_HOST" default:"0.0.0.0"`

	// SIP UDP port
	Port int `json:"port" env:"SIP_PORT" default:"5060"`

	// Largest datagram read from the socket
	ReadBufferSize int `json:"read_buffer_size" env:"SIP_READ_BUFFER_SIZE" default:"4096"`
}

// Address returns host:port for the SIP listener
func (n *NetworkConfig) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// SDPConfig describes how this endpoint identifies itself in answers
type SDPConfig struct {
	Username string `json:"username" env:"SDP_USERNAME" default:"voip"`

	// SessionID is constant for the life of the process. Zero derives it
	// from the process start time.
	SessionID uint64 `json:"session_id" env:"SDP_SESSION_ID" default:"0"`

	SessionName string `json:"session_name" env:"SDP_SESSION_NAME"`

	UserAgent string `json:"user_agent" env:"SIP_USER_AGENT"`
}

// CallsConfig controls which calls are accepted and how they are answered
type CallsConfig struct {
	// Source addresses allowed to place calls; empty allows everyone
	AllowedCallers []string `json:"allowed_callers" env:"ALLOWED_CALLERS"`

	// Answer every invitation as soon as it arrives
	AutoAnswer bool `json:"auto_answer" env:"AUTO_ANSWER" default:"false"`

	// Local RTP port offered in auto-answers
	AnswerRTPPort int `json:"answer_rtp_port" env:"ANSWER_RTP_PORT" default:"5004"`
}

// HTTPConfig holds the health and metrics server configuration
type HTTPConfig struct {
	// HTTP port
	Port int `json:"port" env:"HTTP_PORT" default:"8080"`

	// Whether HTTP server is enabled
	Enabled bool `json:"enabled" env:"HTTP_ENABLED" default:"true"`

	// Whether metrics endpoint is enabled
	EnableMetrics bool `json:"enable_metrics" env:"HTTP_ENABLE_METRICS" default:"true"`

	// Path the Prometheus handler is mounted on
	MetricsPath string `json:"metrics_path" env:"HTTP_METRICS_PATH" default:"/metrics"`

	// Read timeout for HTTP requests
	ReadTimeout time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`

	// Write timeout for HTTP responses
	WriteTimeout time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`

	// Time allowed for in-flight requests on shutdown
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" default:"5s"`
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

// Load loads the configuration from .env and environment variables
func Load(logger *logrus.Logger) (*Config, error) {
	loadEnvFile(logger)

	config := &Config{}

	if err := loadNetworkConfig(logger, &config.Network); err != nil {
		return nil, errors.Wrap(err, "failed to load network configuration")
	}

	if err := loadSDPConfig(logger, &config.SDP); err != nil {
		return nil, errors.Wrap(err, "failed to load SDP configuration")
	}

	if err := loadCallsConfig(logger, &config.Calls); err != nil {
		return nil, errors.Wrap(err, "failed to load calls configuration")
	}

	if err := loadHTTPConfig(logger, &config.HTTP); err != nil {
		return nil, errors.Wrap(err, "failed to load HTTP configuration")
	}

	if err := loadLoggingConfig(logger, &config.Logging); err != nil {
		return nil, errors.Wrap(err, "failed to load logging configuration")
	}

	if err := validateConfig(logger, config); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return config, nil
}

// loadEnvFile loads the first .env file found; environment variables that
// are already set take precedence over it
func loadEnvFile(logger *logrus.Logger) {
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

	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}

		absPath, _ := filepath.Abs(envFile)
		if loadErr := godotenv.Load(envFile); loadErr != nil {
			logger.WithError(loadErr).WithField("path", absPath).Warn("Failed to load .env file")
			continue
		}

		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        absPath,
		}).Info("Successfully loaded .env file")
		return
	}

	logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
}

// loadNetworkConfig loads the SIP socket configuration section
func loadNetworkConfig(logger *logrus.Logger, config *NetworkConfig) error {
	config.Host = getEnv("SIP_HOST", "0.0.0.0")
	if config.Host != "" && net.ParseIP(config.Host) == nil {
		return errors.New(fmt.Sprintf("invalid SIP_HOST: %s", config.Host))
	}

	port, err := parsePort(getEnv("SIP_PORT", "5060"), "SIP_PORT")
	if err != nil {
		return err
	}
	config.Port = port

	config.ReadBufferSize = getEnvInt("SIP_READ_BUFFER_SIZE", 4096)
	if config.ReadBufferSize < 512 || config.ReadBufferSize > 65535 {
		logger.Warn("Invalid SIP_READ_BUFFER_SIZE value, using default: 4096")
		config.ReadBufferSize = 4096
	}

	return nil
}

// loadSDPConfig loads the SDP identity section
func loadSDPConfig(logger *logrus.Logger, config *SDPConfig) error {
	config.Username = getEnv("SDP_USERNAME", "voip")
	if strings.ContainsAny(config.Username, " \t\r\n") {
		return errors.New("SDP_USERNAME must not contain whitespace")
	}

	sessionID := getEnv("SDP_SESSION_ID", "0")
	id, err := strconv.ParseUint(sessionID, 10, 63)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid SDP_SESSION_ID: %s", sessionID))
	}
	if id == 0 {
		id = uint64(time.Now().Unix())
		logger.WithField("session_id", id).Debug("Derived SDP session id from process start time")
	}
	config.SessionID = id

	config.SessionName = getEnv("SDP_SESSION_NAME", "voip "+version.Version)
	config.UserAgent = getEnv("SIP_USER_AGENT", version.UserAgent())

	return nil
}

// loadCallsConfig loads the call acceptance section
func loadCallsConfig(logger *logrus.Logger, config *CallsConfig) error {
	callers, err := parseAddresses(getEnv("ALLOWED_CALLERS", ""), "ALLOWED_CALLERS")
	if err != nil {
		return err
	}
	config.AllowedCallers = callers

	config.AutoAnswer = getEnvBool("AUTO_ANSWER", false)

	port, err := parsePort(getEnv("ANSWER_RTP_PORT", "5004"), "ANSWER_RTP_PORT")
	if err != nil {
		return err
	}
	config.AnswerRTPPort = port

	return nil
}

// loadHTTPConfig loads the HTTP configuration section
func loadHTTPConfig(logger *logrus.Logger, config *HTTPConfig) error {
	httpPortStr := getEnv("HTTP_PORT", "8080")
	httpPort, err := strconv.Atoi(httpPortStr)
	if err != nil || httpPort < 1 || httpPort > 65535 {
		logger.Warn("Invalid HTTP_PORT value, using default: 8080")
		config.Port = 8080
	} else {
		config.Port = httpPort
	}

	config.Enabled = getEnvBool("HTTP_ENABLED", true)
	config.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", true)
	config.MetricsPath = getEnv("HTTP_METRICS_PATH", "/metrics")
	if !strings.HasPrefix(config.MetricsPath, "/") {
		logger.WithField("path", config.MetricsPath).Warn("HTTP_METRICS_PATH must start with '/', using default: /metrics")
		config.MetricsPath = "/metrics"
	}

	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)
	config.ShutdownTimeout = getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 5*time.Second)

	return nil
}

// loadLoggingConfig loads the logging configuration section
func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) error {
	config.Level = getEnv("LOG_LEVEL", "info")

	_, err := logrus.ParseLevel(config.Level)
	if err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")

	return nil
}

// validateConfig checks constraints that span sections
func validateConfig(logger *logrus.Logger, config *Config) error {
	if config.HTTP.Enabled && config.Network.Port == config.HTTP.Port {
		logger.WithField("port", config.HTTP.Port).Debug("SIP and HTTP share a port number on different transports")
	}

	if config.HTTP.ReadTimeout <= 0 || config.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP_READ_TIMEOUT and HTTP_WRITE_TIMEOUT must be positive durations")
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

// ApplyLogging applies the configuration to the logger
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

func parsePort(portStr, envName string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil {
		return 0, errors.Wrap(err, fmt.Sprintf("invalid port in %s: %s", envName, portStr))
	}
	if port < 1 || port > 65535 {
		return 0, errors.New(fmt.Sprintf("port out of range in %s: %d", envName, port))
	}
	return port, nil
}

// Helper function to parse a comma-separated IPv4 address list
func parseAddresses(value, envName string) ([]string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	var addresses []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		ip := net.ParseIP(item)
		if ip == nil || ip.To4() == nil {
			return nil, errors.New(fmt.Sprintf("invalid IPv4 address in %s: %s", envName, item))
		}
		addresses = append(addresses, ip.String())
	}

	return addresses, nil
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
