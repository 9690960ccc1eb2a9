// Package bing implements images.Searcher by scraping Bing Images with gocolly.
package bing

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-image-scraper/internal/images"
)

// DefaultBaseURL is the Bing Images search endpoint.
const DefaultBaseURL = "https://www.bing.com/images/search"

// DefaultUserAgent mimics a desktop browser; Bing serves a stripped page otherwise.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Config controls the search collector.
type Config struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	MaxResults int
}

// Searcher scrapes full-size image URLs from Bing Images result pages.
type Searcher struct {
	cfg           Config
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// metadata is the JSON blob Bing stores in the "m" attribute of each result.
type metadata struct {
	MediaURL string `json:"murl"`
}

// New builds a Searcher, filling defaults for unset fields.
func New(cfg Config, logger *zap.Logger) *Searcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Searcher{
		cfg:           cfg,
		logger:        logger,
		baseCollector: c,
	}
}

// Search returns up to MaxResults image URLs for keyword. Any transport
// failure, non-2xx response or empty result wraps images.ErrScrapeFailed.
func (s *Searcher) Search(ctx context.Context, keyword string) ([]string, error) {
	target, err := s.searchURL(keyword)
	if err != nil {
		return nil, fmt.Errorf("build search url: %w: %w", images.ErrScrapeFailed, err)
	}

	var (
		results  []string
		fetchErr error
	)
	collector := s.baseCollector.Clone()
	collector.UserAgent = s.cfg.UserAgent
	collector.Context = ctx
	s.configureCollectorHooks(collector, &results, &fetchErr)

	if err := s.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return nil, fmt.Errorf("search %q: %w: %w", keyword, images.ErrScrapeFailed, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("search %q: %w: no image results", keyword, images.ErrScrapeFailed)
	}
	s.logger.Debug("bing search completed",
		zap.String("keyword", keyword),
		zap.Int("results", len(results)),
	)
	return results, nil
}

func (s *Searcher) searchURL(keyword string) (string, error) {
	u, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("q", keyword)
	q.Set("form", "HDRSC2")
	q.Set("first", "1")
	q.Set("tsc", "ImageBasicHover")
	q.Set("qft", "+filterui:imagesize-large")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Searcher) configureCollectorHooks(hooks collectorHooks, results *[]string, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.5")
		r.Headers.Set("Referer", "https://www.bing.com/")
		r.Headers.Set("DNT", "1")
	})

	hooks.OnHTML("a.iusc", func(e *colly.HTMLElement) {
		if len(*results) >= s.cfg.MaxResults {
			return
		}
		if mediaURL, ok := parseMetadata(e.Attr("m")); ok {
			*results = append(*results, mediaURL)
		} else {
			s.logger.Debug("skipping malformed result metadata")
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

// parseMetadata extracts an absolute http(s) media URL from a result's "m" attribute.
func parseMetadata(raw string) (string, bool) {
	if strings.TrimSpace(raw) == "" {
		return "", false
	}
	var m metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return "", false
	}
	if !strings.HasPrefix(m.MediaURL, "http") {
		return "", false
	}
	return m.MediaURL, true
}

func (s *Searcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("search canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
	}
}
