package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the signaling process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Signaling SignalingConfig
	Calls     CallsConfig
	Presence  PresenceConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for managed-Postgres posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// SignalingConfig bounds per-connection behavior on the websocket transport.
type SignalingConfig struct {
	// MaxMessageBytes caps a single inbound signaling frame. SDP offers are
	// the largest legitimate payload and stay well under 64KiB.
	MaxMessageBytes int64
	// MaxMessagesPerSecond is a per-connection token-bucket rate.
	MaxMessagesPerSecond int
	WriteTimeout         time.Duration
	PongTimeout          time.Duration
	// SendBuffer is the outbound queue depth per connection; a full queue
	// drops the message rather than blocking the sender.
	SendBuffer int
}

type CallsConfig struct {
	// PersistTimeout bounds every durable write made inside an event handler.
	PersistTimeout time.Duration
	// MaxActivePerUser caps concurrent calls a single caller may hold open.
	// Zero disables the cap.
	MaxActivePerUser int
	// CapTTL expires leaked cap slots if the process crashes mid-call.
	CapTTL time.Duration
}

type PresenceConfig struct {
	// StatusTTL expires redis presence entries for crashed processes.
	StatusTTL time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration/size env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = optDuration("JWT_ACCESS_TTL")

	c.Signaling.MaxMessageBytes = int64(optInt("WS_MAX_MESSAGE_BYTES"))
	c.Signaling.MaxMessagesPerSecond = optInt("WS_MAX_MESSAGES_PER_SECOND")
	c.Signaling.WriteTimeout = optDuration("WS_WRITE_TIMEOUT")
	c.Signaling.PongTimeout = optDuration("WS_PONG_TIMEOUT")
	c.Signaling.SendBuffer = optInt("WS_SEND_BUFFER")

	c.Calls.PersistTimeout = optDuration("PERSIST_TIMEOUT")
	c.Calls.MaxActivePerUser = optInt("MAX_CALLS_PER_USER")
	c.Calls.CapTTL = optDuration("CALL_CAP_TTL")

	c.Presence.StatusTTL = optDuration("PRESENCE_TTL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 24 * time.Hour
	}

	if c.Signaling.MaxMessageBytes <= 0 {
		c.Signaling.MaxMessageBytes = 64 * 1024
	}
	if c.Signaling.MaxMessagesPerSecond <= 0 {
		c.Signaling.MaxMessagesPerSecond = 50
	}
	if c.Signaling.WriteTimeout <= 0 {
		c.Signaling.WriteTimeout = 5 * time.Second
	}
	if c.Signaling.PongTimeout <= 0 {
		c.Signaling.PongTimeout = 60 * time.Second
	}
	if c.Signaling.SendBuffer <= 0 {
		c.Signaling.SendBuffer = 64
	}

	if c.Calls.PersistTimeout <= 0 {
		c.Calls.PersistTimeout = 5 * time.Second
	}
	if c.Calls.MaxActivePerUser < 0 {
		errs = append(errs, fmt.Errorf("MAX_CALLS_PER_USER must be >= 0, got %d", c.Calls.MaxActivePerUser))
	}
	if c.Calls.CapTTL <= 0 {
		c.Calls.CapTTL = 4 * time.Hour
	}

	if c.Presence.StatusTTL <= 0 {
		c.Presence.StatusTTL = 12 * time.Hour
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
