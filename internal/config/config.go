package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Tier selects how the denoising network is executed.
type Tier string

const (
	TierAuto       Tier = "auto"
	TierSequential Tier = "sequential"
	TierBatched    Tier = "batched"
)

// DefaultLowMemoryThreshold is the device memory below which the sequential tier is used.
const DefaultLowMemoryThreshold uint64 = 8 << 30

type Config struct {
	WeightsDir string

	Tier               Tier
	LowMemoryThreshold uint64

	// Latent grid; the decoded image is 8x larger on each side.
	LatentHeight int
	LatentWidth  int

	FP32Weights  bool
	ShuffleSlots bool

	LogLevel  string
	LogFormat string

	HTTPAddr   string
	FlightAddr string
	TraceDir   string
}

func Default() Config {
	return Config{
		WeightsDir:         "weights",
		Tier:               TierAuto,
		LowMemoryThreshold: DefaultLowMemoryThreshold,
		LatentHeight:       64,
		LatentWidth:        64,
		LogLevel:           "info",
		LogFormat:          "console",
		HTTPAddr:           ":8080",
		FlightAddr:         ":3000",
	}
}

func (c *Config) Validate() error {
	if c.WeightsDir == "" {
		return fmt.Errorf("invalid weights_dir: empty (must name a directory)")
	}
	switch c.Tier {
	case TierAuto, TierSequential, TierBatched:
	default:
		return fmt.Errorf("invalid tier: %q (must be auto, sequential or batched)", c.Tier)
	}
	if c.LatentHeight <= 0 || c.LatentHeight%2 != 0 {
		return fmt.Errorf("invalid latent_height: %d (must be positive and even)", c.LatentHeight)
	}
	if c.LatentWidth <= 0 || c.LatentWidth%2 != 0 {
		return fmt.Errorf("invalid latent_width: %d (must be positive and even)", c.LatentWidth)
	}
	if c.Tier == TierAuto && c.LowMemoryThreshold == 0 {
		return fmt.Errorf("invalid low_memory_threshold: 0 (must be positive for auto tier)")
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be console or json)", c.LogFormat)
	}
	return nil
}

// ImageHeight is the pixel height of decoded images.
func (c *Config) ImageHeight() int {
	return c.LatentHeight * 8
}

// ImageWidth is the pixel width of decoded images.
func (c *Config) ImageWidth() int {
	return c.LatentWidth * 8
}

// FromEnv overlays NAIAD_* environment variables onto c. Unparseable numeric or boolean
// values are reported rather than ignored.
func FromEnv(c *Config) error {
	if v, ok := os.LookupEnv("NAIAD_WEIGHTS"); ok {
		c.WeightsDir = v
	}
	if v, ok := os.LookupEnv("NAIAD_TIER"); ok {
		c.Tier = Tier(strings.ToLower(v))
	}
	if v, ok := os.LookupEnv("NAIAD_LOW_MEMORY_GB"); ok {
		gb, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("NAIAD_LOW_MEMORY_GB: %w", err)
		}
		c.LowMemoryThreshold = uint64(gb * (1 << 30))
	}
	if v, ok := os.LookupEnv("NAIAD_LATENT_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NAIAD_LATENT_SIZE: %w", err)
		}
		c.LatentHeight, c.LatentWidth = n, n
	}
	if v, ok := os.LookupEnv("NAIAD_FP32"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("NAIAD_FP32: %w", err)
		}
		c.FP32Weights = b
	}
	if v, ok := os.LookupEnv("NAIAD_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("NAIAD_LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := os.LookupEnv("NAIAD_HTTP_ADDR"); ok {
		c.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("NAIAD_FLIGHT_ADDR"); ok {
		c.FlightAddr = v
	}
	if v, ok := os.LookupEnv("NAIAD_TRACE_DIR"); ok {
		c.TraceDir = v
	}
	return nil
}
