package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// Config holds all application configuration
type Config struct {
	GoEnv    string `env:"GO_ENV" envDefault:"development"`
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"support_relay.db"`
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"support"`

	// Either Auth0 (RS256 via JWKS) or a shared HS256 secret must be set.
	Auth0Domain   string `env:"AUTH0_DOMAIN"`
	Auth0Audience string `env:"AUTH0_AUDIENCE"`
	JWTSecret     string `env:"JWT_SECRET"`
	JWTIssuer     string `env:"JWT_ISSUER" envDefault:"support-relay"`
	JWTAudience   string `env:"JWT_AUDIENCE" envDefault:"support-relay-api"`

	AWSRegion          string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	TranscriptBucket   string `env:"TRANSCRIPT_BUCKET"`
	TranscriptPrefix   string `env:"TRANSCRIPT_PREFIX" envDefault:"transcripts"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	// Per-caller message send limit
	SendRate  float64 `env:"SEND_RATE" envDefault:"2"`
	SendBurst int     `env:"SEND_BURST" envDefault:"10"`

	WSQueueSize          int           `env:"WS_QUEUE_SIZE" envDefault:"64"`
	WSWriteTimeout       time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	WSReadTimeout        time.Duration `env:"WS_READ_TIMEOUT" envDefault:"90s"`
	WSMaxFrameBytes      int           `env:"WS_MAX_FRAME_BYTES" envDefault:"16384"`
	WSMaxFramesPerSecond int           `env:"WS_MAX_FRAMES_PER_SECOND" envDefault:"20"`
	WSAllowedOrigins     []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:","`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load loads the configuration from environment variables
// It automatically determines which .env file to load based on GO_ENV
func Load() (*Config, error) {
	loadEnvFiles()

	config, err := Parse()
	if err != nil {
		return nil, err
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Parse reads the process environment without touching .env files.
func Parse() (*Config, error) {
	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	return config, nil
}

func loadEnvFiles() {
	// Determine which environment file to load
	goEnv := os.Getenv("GO_ENV")
	if goEnv == "" {
		goEnv = "development"
	}

	// Try to load environment-specific file first
	envFile := fmt.Sprintf(".env.%s", goEnv)
	if err := godotenv.Load(envFile); err != nil {
		// If environment-specific file doesn't exist, try .env
		if err := godotenv.Load(); err != nil {
			// In production, environment variables are set directly
			// so it's okay if .env files don't exist
			log.Printf("No .env file found, using system environment variables")
		}
	} else {
		log.Printf("Loaded configuration from %s", envFile)
	}
}

// Validate checks that all required configuration values are set
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when STORE_DRIVER=mongo")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.Auth0Domain == "" && c.JWTSecret == "" {
		return fmt.Errorf("either AUTH0_DOMAIN or JWT_SECRET is required")
	}
	if c.Auth0Domain != "" && c.Auth0Audience == "" {
		return fmt.Errorf("AUTH0_AUDIENCE is required with AUTH0_DOMAIN")
	}
	if c.SendRate <= 0 || c.SendBurst <= 0 {
		return fmt.Errorf("SEND_RATE and SEND_BURST must be positive")
	}
	if c.WSQueueSize <= 0 {
		return fmt.Errorf("WS_QUEUE_SIZE must be positive")
	}
	return nil
}

// IsProduction returns true if the application is running in production mode
func (c *Config) IsProduction() bool {
	return c.GoEnv == "production"
}

// IsTest returns true if the application is running in test mode
func (c *Config) IsTest() bool {
	return c.GoEnv == "test"
}

// IsDevelopment returns true if the application is running in development mode
func (c *Config) IsDevelopment() bool {
	return c.GoEnv == "development"
}

// UsesAuth0 reports whether tokens are verified against the Auth0 JWKS.
func (c *Config) UsesAuth0() bool {
	return c.Auth0Domain != ""
}

// ArchiveEnabled reports whether closed transcripts are written to S3.
func (c *Config) ArchiveEnabled() bool {
	return c.TranscriptBucket != ""
}
