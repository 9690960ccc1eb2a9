// Package processor downloads picked images, normalizes them to watermarked
// WebP and writes them to a blob store. Every failure degrades to serving the
// original URL.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-image-scraper/internal/images"
	"github.com/JakeFAU/realtime-image-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-image-scraper/internal/policy/ratelimit"
)

const contentTypeWebP = "image/webp"

var errTooLarge = errors.New("image exceeds download limit")

// Processor implements images.Processor.
type Processor struct {
	cfg       Config
	client    *http.Client
	blobs     images.BlobStore
	hasher    images.Hasher
	limiter   *ratelimit.Limiter
	watermark *watermark
	logger    *zap.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithHTTPClient overrides the HTTP client used for downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Processor) {
		if client != nil {
			p.client = client
		}
	}
}

// New builds a Processor. A watermark that cannot be loaded is logged and
// reported per image; it does not prevent startup.
func New(cfg Config, blobs images.BlobStore, hasher images.Hasher, logger *zap.Logger, opts ...Option) (*Processor, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid processor config: %w", err)
	}

	p := &Processor{
		cfg:    cfg,
		client: &http.Client{Transport: newHTTPTransport()},
		blobs:  blobs,
		hasher: hasher,
		limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RatePerHost,
			DefaultBurst: 1,
			OnDelay:      metrics.ObserveRateLimitDelay,
		}),
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.watermark = loadWatermark(cfg.WatermarkPath)
	if p.watermark.err != nil {
		logger.Warn("watermark unavailable; images will be served without it",
			zap.String("path", cfg.WatermarkPath),
			zap.Error(p.watermark.err),
		)
	}
	return p, nil
}

// Process downloads, converts and stores one image. It never fails outright:
// on any error the result carries the source URL and the reason.
func (p *Processor) Process(ctx context.Context, req images.ProcessRequest) images.ProcessResult {
	res, n := p.process(ctx, req)
	outcome := "saved"
	if !res.Saved {
		outcome = string(res.Reason)
	}
	metrics.ObserveImage(req.URL, outcome, n)

	if res.Saved {
		p.logger.Debug("image processed",
			zap.String("source_url", res.SourceURL),
			zap.String("final_url", res.FinalURL),
			zap.Bool("watermarked", res.Watermarked),
		)
	} else {
		p.logger.Warn("image processing failed; serving original url",
			zap.String("source_url", res.SourceURL),
			zap.String("reason", string(res.Reason)),
			zap.Error(res.Err),
		)
	}
	return res
}

func (p *Processor) process(ctx context.Context, req images.ProcessRequest) (images.ProcessResult, int) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return images.Fallback(req.URL, images.ReasonInvalidURL, fmt.Errorf("parse url: %w", err)), 0
	}
	switch u.Scheme {
	case "file":
		// Local files are already hosted; hand back the path untouched.
		return images.ProcessResult{SourceURL: req.URL, FinalURL: u.Path, Saved: true}, 0
	case "http", "https":
	default:
		return images.Fallback(req.URL, images.ReasonInvalidURL, fmt.Errorf("unsupported scheme %q", u.Scheme)), 0
	}
	if u.Host == "" {
		return images.Fallback(req.URL, images.ReasonInvalidURL, fmt.Errorf("url has no host")), 0
	}
	if err := images.ValidateProfile(req.Profile); err != nil {
		return images.Fallback(req.URL, images.ReasonInvalidProfile, err), 0
	}

	body, err := p.download(ctx, req.URL)
	if err != nil {
		return images.Fallback(req.URL, downloadReason(ctx), err), len(body)
	}

	img, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
	if err != nil {
		return images.Fallback(req.URL, images.ReasonDecodeFailed, fmt.Errorf("decode image: %w", err)), len(body)
	}

	canvas := flatten(img)
	res := images.ProcessResult{SourceURL: req.URL}
	if marked, wmErr := p.watermark.apply(canvas, p.cfg.WatermarkMaxRatio, p.cfg.WatermarkMargin); wmErr != nil {
		res.WatermarkErr = wmErr.Error()
	} else {
		canvas = marked
		res.Watermarked = true
	}

	var encoded bytes.Buffer
	if err := webp.Encode(&encoded, canvas, &webp.Options{Quality: p.cfg.Quality}); err != nil {
		return images.Fallback(req.URL, images.ReasonEncodeFailed, fmt.Errorf("encode webp: %w", err)), len(body)
	}

	file, err := p.FileName(req.Keyword, req.URL)
	if err != nil {
		return images.Fallback(req.URL, images.ReasonStoreFailed, err), len(body)
	}
	if _, err := p.blobs.PutObject(ctx, p.objectPath(req.Profile, file), contentTypeWebP, &encoded); err != nil {
		reason := images.ReasonStoreFailed
		if ctx.Err() != nil {
			reason = images.ReasonCanceled
		}
		return images.Fallback(req.URL, reason, fmt.Errorf("store image: %w", err)), len(body)
	}

	res.FinalURL = p.publicURL(req.Profile, file)
	res.Saved = true
	return res, len(body)
}

// download fetches rawURL. DownloadTimeout covers the host rate-limit wait too.
func (p *Processor) download(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DownloadTimeout)
	defer cancel()

	if err := p.limiter.Wait(ctx, rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			p.logger.Debug("failed to close response body", zap.Error(closeErr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download image: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBytes+1))
	if err != nil {
		return body, fmt.Errorf("read image body: %w", err)
	}
	if int64(len(body)) > p.cfg.MaxBytes {
		return body, fmt.Errorf("download image: %w (%d bytes)", errTooLarge, p.cfg.MaxBytes)
	}
	return body, nil
}

func downloadReason(ctx context.Context) images.FallbackReason {
	if ctx.Err() != nil {
		return images.ReasonCanceled
	}
	return images.ReasonDownloadFailed
}

// flatten composites img onto an opaque white canvas of the same size.
func flatten(img image.Image) *image.NRGBA {
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
