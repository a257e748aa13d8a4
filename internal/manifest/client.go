package manifest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/BadgerOps/gamesync/internal/failure"
	"github.com/BadgerOps/gamesync/internal/safety"
)

const (
	pointerName      = "latest"
	maxPointerBytes  = 4 << 10
	maxManifestBytes = 64 << 20
)

// Options configures a Client.
type Options struct {
	CDN        string // base URL the "latest" pointer lives under, with trailing slash
	HTTPClient *http.Client
	DigestLen  int // expected hex digest length, 0 to skip the check
	UserAgent  string
}

// Client retrieves release pointers and manifests. It never retries: a
// failed fetch is fatal to the run that asked for it.
type Client struct {
	cdn        string
	httpClient *http.Client
	digestLen  int
	userAgent  string
	logger     *slog.Logger
}

// NewClient creates a manifest client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = safety.NewHTTPClient(0, 0)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "gamesync/1.0"
	}
	return &Client{
		cdn:        opts.CDN,
		httpClient: opts.HTTPClient,
		digestLen:  opts.DigestLen,
		userAgent:  opts.UserAgent,
		logger:     logger,
	}
}

// CDN returns the base URL in use.
func (c *Client) CDN() string {
	return c.cdn
}

// FetchRelease reads the pointer and then the manifest it names.
func (c *Client) FetchRelease(ctx context.Context) (*Release, error) {
	rel, err := c.FetchPointer(ctx)
	if err != nil {
		return nil, err
	}
	m, err := c.FetchManifest(ctx, rel)
	if err != nil {
		return nil, err
	}
	rel.Manifest = m
	return rel, nil
}

// FetchPointer reads the "latest" resource. The returned Release has no
// manifest yet.
func (c *Client) FetchPointer(ctx context.Context) (*Release, error) {
	pointerURL := c.cdn + pointerName
	body, err := c.get(ctx, "fetch pointer", pointerURL, maxPointerBytes)
	if err != nil {
		return nil, err
	}

	label, bundle, digest, err := ParsePointer(body)
	if err != nil {
		return nil, &failure.ManifestFormatError{URL: pointerURL, Err: err}
	}

	rel := &Release{
		Label:        label,
		BaseURL:      c.cdn + label,
		Bundle:       bundle,
		BundleDigest: digest,
	}
	c.logger.Info("release pointer fetched", "label", label, "bundle", bundle)
	return rel, nil
}

// FetchManifest reads {BaseURL}checksums.json for rel.
func (c *Client) FetchManifest(ctx context.Context, rel *Release) (*Manifest, error) {
	manifestURL := rel.BaseURL + ManifestName
	body, err := c.get(ctx, "fetch manifest", manifestURL, maxManifestBytes)
	if err != nil {
		return nil, err
	}

	m, err := Parse(body, c.digestLen)
	if err != nil {
		return nil, &failure.ManifestFormatError{URL: manifestURL, Err: err}
	}
	c.logger.Info("manifest fetched", "url", manifestURL, "entries", m.Len())
	return m, nil
}

// BundleURL returns the download URL of the release bundle. Bundles are
// published next to the pointer.
func (c *Client) BundleURL(rel *Release) (string, error) {
	if rel.Bundle == "" {
		return "", fmt.Errorf("release %s does not name a bundle", rel.Label)
	}
	return safety.JoinURL(c.cdn, rel.Bundle)
}

func (c *Client) get(ctx context.Context, op, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &failure.NetworkError{Op: op, URL: url, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &failure.NetworkError{Op: op, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &failure.NetworkError{Op: op, URL: url, StatusCode: resp.StatusCode}
	}

	body, err := safety.ReadAllWithLimit(resp.Body, limit)
	if err != nil {
		if err == safety.ErrBodyTooLarge {
			return nil, &failure.ManifestFormatError{URL: url, Err: err}
		}
		return nil, &failure.NetworkError{Op: op, URL: url, Err: err}
	}
	return body, nil
}
