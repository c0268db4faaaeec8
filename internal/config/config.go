// Package config loads server and client settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/omochice/lan-chat/pkg/protocol"
)

var validate = validator.New()

// Config holds the server settings.
type Config struct {
	Host          string        `env:"LANCHAT_HOST"`
	Port          int           `env:"LANCHAT_PORT,default=8888" validate:"min=0,max=65535"`
	DiscoveryPort int           `env:"LANCHAT_DISCOVERY_PORT,default=8888" validate:"min=0,max=65535"`
	Protocol      string        `env:"LANCHAT_PROTOCOL,default=legacy" validate:"oneof=legacy framed"`
	ChunkSize     int           `env:"LANCHAT_CHUNK_SIZE,default=8192" validate:"min=64"`
	MaxFrameSize  int           `env:"LANCHAT_MAX_FRAME_SIZE,default=1048576" validate:"min=1"`
	QueueSize     int           `env:"LANCHAT_QUEUE_SIZE,default=64" validate:"min=1"`
	SendTimeout   time.Duration `env:"LANCHAT_SEND_TIMEOUT,default=5s" validate:"gt=0"`
	StagingDir    string        `env:"LANCHAT_STAGING_DIR,default=ReceivedFiles" validate:"required"`
	LedgerPath    string        `env:"LANCHAT_LEDGER_PATH"`
	InspectPort   int           `env:"LANCHAT_INSPECT_PORT" validate:"min=0,max=65535"`
	WebSocket     bool          `env:"LANCHAT_WEBSOCKET,default=true"`
	LogLevel      string        `env:"LANCHAT_LOG_LEVEL,default=info" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		Port:          8888,
		DiscoveryPort: 8888,
		Protocol:      protocol.CodecLegacy,
		ChunkSize:     protocol.DefaultChunkSize,
		MaxFrameSize:  protocol.DefaultMaxFrameSize,
		QueueSize:     64,
		SendTimeout:   5 * time.Second,
		StagingDir:    "ReceivedFiles",
		WebSocket:     true,
		LogLevel:      "info",
	}
}

// Load reads envFile if it exists, then the process environment.
// An empty envFile reads ".env".
func Load(envFile string) (Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return Config{}, err
	}
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges, and that a framed record can carry a full
// chunk.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return checkFrameSize(c.ChunkSize, c.MaxFrameSize)
}

func checkFrameSize(chunkSize, maxFrameSize int) error {
	if need := protocol.ChunkRecordSize(chunkSize); maxFrameSize < need {
		return fmt.Errorf("invalid config: LANCHAT_MAX_FRAME_SIZE %d cannot carry a %d byte chunk (need %d)",
			maxFrameSize, chunkSize, need)
	}
	return nil
}

// Address returns the TCP listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DiscoveryAddress returns the UDP listen address.
func (c Config) DiscoveryAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.DiscoveryPort))
}

// Codec returns the configured wire codec.
func (c Config) Codec() (protocol.Codec, error) {
	return protocol.CodecByName(c.Protocol, c.ChunkSize, c.MaxFrameSize)
}

// Client holds the terminal client settings.
type Client struct {
	// Server is host:port or a ws:// URL. Empty means discover.
	Server           string        `env:"LANCHAT_CLIENT_SERVER"`
	DiscoveryAddr    string        `env:"LANCHAT_CLIENT_DISCOVERY_ADDR,default=255.255.255.255:8888" validate:"hostname_port"`
	DiscoveryTimeout time.Duration `env:"LANCHAT_CLIENT_DISCOVERY_TIMEOUT,default=3s" validate:"gt=0"`
	Port             int           `env:"LANCHAT_CLIENT_PORT,default=8888" validate:"min=1,max=65535"`
	Protocol         string        `env:"LANCHAT_PROTOCOL,default=legacy" validate:"oneof=legacy framed"`
	ChunkSize        int           `env:"LANCHAT_CHUNK_SIZE,default=8192" validate:"min=64"`
	MaxFrameSize     int           `env:"LANCHAT_MAX_FRAME_SIZE,default=1048576" validate:"min=1"`
	DownloadDir      string        `env:"LANCHAT_CLIENT_DOWNLOAD_DIR,default=Downloads" validate:"required"`
	LogLevel         string        `env:"LANCHAT_LOG_LEVEL,default=info"`
}

// LoadClient reads the client settings the same way Load does.
func LoadClient(envFile string) (Client, error) {
	if err := loadDotEnv(envFile); err != nil {
		return Client{}, err
	}
	var cfg Client
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Client{}, fmt.Errorf("config error: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Client{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := checkFrameSize(cfg.ChunkSize, cfg.MaxFrameSize); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

// Codec returns the configured wire codec.
func (c Client) Codec() (protocol.Codec, error) {
	return protocol.CodecByName(c.Protocol, c.ChunkSize, c.MaxFrameSize)
}

func loadDotEnv(envFile string) error {
	if envFile == "" {
		envFile = ".env"
	}
	// Variables already set in the environment win over the file.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config error: %w", err)
	}
	return nil
}
