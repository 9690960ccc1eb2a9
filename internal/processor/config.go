package processor

import (
	"fmt"
	"strings"
	"time"
)

// Config holds everything the processor needs. It is built once at startup
// and never consults the environment.
type Config struct {
	// SaveDir is the object key prefix; "{profile}" is substituted per request.
	SaveDir string
	// PublicURL builds the URL returned to clients from "{profile}" and "{file}".
	PublicURL string
	// WatermarkPath points at the overlay image. Empty disables watermarking.
	WatermarkPath string
	// WatermarkMaxRatio bounds the overlay width relative to the image width.
	WatermarkMaxRatio float64
	// WatermarkMargin is the distance in pixels from the bottom-right corner.
	WatermarkMargin int
	DownloadTimeout time.Duration
	Quality         float32
	MaxBytes        int64
	UserAgent       string
	// RatePerHost limits downloads per image host in requests per second; 0 disables.
	RatePerHost float64
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		SaveDir:           "{profile}/images",
		PublicURL:         "https://{profile}/images/{file}",
		WatermarkMaxRatio: 0.25,
		WatermarkMargin:   10,
		DownloadTimeout:   60 * time.Second,
		Quality:           65,
		MaxBytes:          20 << 20,
		UserAgent:         "Mozilla/5.0 (compatible; realtime-image-scraper/1.0)",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SaveDir == "" {
		c.SaveDir = def.SaveDir
	}
	if c.PublicURL == "" {
		c.PublicURL = def.PublicURL
	}
	if c.WatermarkMaxRatio <= 0 || c.WatermarkMaxRatio > 1 {
		c.WatermarkMaxRatio = def.WatermarkMaxRatio
	}
	if c.WatermarkMargin < 0 {
		c.WatermarkMargin = def.WatermarkMargin
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = def.DownloadTimeout
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = def.Quality
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = def.MaxBytes
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	return c
}

func (c Config) validate() error {
	if !strings.Contains(c.PublicURL, "{file}") {
		return fmt.Errorf("public url template must contain {file}")
	}
	if strings.Contains(c.SaveDir, "..") {
		return fmt.Errorf("save dir must not contain '..'")
	}
	return nil
}
