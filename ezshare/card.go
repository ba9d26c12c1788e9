// Package ezshare talks to an ez Share WiFi SD card over its HTTP file server.
package ezshare

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/threatexpert/cpapsync/misc"
)

const (
	DefaultAddress = "192.168.4.1"
	DefaultTimeout = 10 * time.Second
	// ConfirmedFirmware is the only firmware the probing workaround was verified against.
	ConfirmedFirmware = "4.4.0"

	versionPath = "/client?command=version"
	pingTimeout = 2 * time.Second
	userAgent   = "Mozilla/5.0"
)

// ErrNotOnCard is returned when a download answers with the card's disguised not-found page.
var ErrNotOnCard = errors.New("path does not exist on card")

// CardConfig is fixed at construction; a Card never changes afterwards.
type CardConfig struct {
	// Address is an IP, host or host:port; a full http:// URL is also accepted.
	Address string
	Timeout time.Duration
	// Compression advertises zstd/gzip. Real cards ignore it; the emulator honors it.
	Compression bool
	Logger      *misc.Logger
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Card is an immutable handle on one card, shared by every probe and download.
type Card struct {
	base        *url.URL
	compression bool
	log         *misc.Logger
	client      *http.Client
}

func NewCard(cfg CardConfig) (*Card, error) {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = misc.Discard()
	}

	raw := cfg.Address
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid card address %q", cfg.Address)
	}
	if base.Host == "" {
		return nil, errors.Errorf("invalid card address %q: no host", cfg.Address)
	}
	base.Path = "/"
	base.RawQuery = ""

	return &Card{
		base:        base,
		compression: cfg.Compression,
		log:         cfg.Logger,
		client: &http.Client{
			Transport: cfg.Transport,
			Timeout:   cfg.Timeout,
			// The card redirects directories; a redirect is never a file.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// BaseURL is the card root, e.g. http://192.168.4.1/.
func (c *Card) BaseURL() string {
	return c.base.String()
}

// URL maps a card-relative path such as DATALOG/20240110 to an absolute URL.
func (c *Card) URL(remotePath string) string {
	ref := &url.URL{Path: strings.TrimLeft(remotePath, "/")}
	return c.base.ResolveReference(ref).String()
}

func (c *Card) newRequest(ctx context.Context, method, remotePath string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(remotePath), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if c.compression {
		req.Header.Set("Accept-Encoding", "zstd, gzip")
	} else {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

// Probe issues a HEAD request for remotePath. The card answers 200 whether or
// not the path exists, so the verdict comes from Classify. Network failures
// count as "does not exist": probing is exploratory and one bad probe must not
// abort a scan.
func (c *Card) Probe(ctx context.Context, remotePath string) ProbeResult {
	req, err := c.newRequest(ctx, http.MethodHead, remotePath)
	if err != nil {
		c.log.Verbosef("probe %s: %v", remotePath, err)
		return missing
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Verbosef("probe %s failed: %v", remotePath, err)
		return missing
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.log.Verbosef("probe %s -> %s", remotePath, resp.Status)
		return missing
	}

	res := Classify(resp.Header.Get("Content-Type"), resp.ContentLength)
	c.log.Verbosef("probe %s -> exists=%v size=%d", remotePath, res.Exists, res.Size)
	return res
}

// IsDirectory reports whether remotePath is a real directory: real directories
// probe as existing with zero length.
func (c *Card) IsDirectory(ctx context.Context, remotePath string) bool {
	res := c.Probe(ctx, strings.TrimRight(remotePath, "/"))
	return res.Exists && res.Size == 0
}

// Download streams remotePath into dst and returns the number of bytes written
// after any transfer decoding.
func (c *Card) Download(ctx context.Context, remotePath string, dst io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, remotePath)
	if err != nil {
		return 0, errors.Wrapf(err, "build request for %s", remotePath)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "download %s", remotePath)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("download %s: unexpected status %s", remotePath, resp.Status)
	}
	if !Classify(resp.Header.Get("Content-Type"), resp.ContentLength).Exists {
		return 0, errors.Wrap(ErrNotOnCard, remotePath)
	}

	var body io.Reader = resp.Body
	switch enc := resp.Header.Get("Content-Encoding"); enc {
	case "zstd":
		c.log.Verbosef("decompressing %s with zstd", remotePath)
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return 0, errors.Wrapf(err, "zstd reader for %s", remotePath)
		}
		defer zr.Close()
		body = zr
	case "gzip":
		c.log.Verbosef("decompressing %s with gzip", remotePath)
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return 0, errors.Wrapf(err, "gzip reader for %s", remotePath)
		}
		defer gr.Close()
		body = gr
	case "", "identity":
	default:
		c.log.Warnf("unknown Content-Encoding %q for %s, copying as-is", enc, remotePath)
	}

	n, err := io.Copy(dst, body)
	if err != nil {
		return n, errors.Wrapf(err, "copy %s", remotePath)
	}
	return n, nil
}

var versionPattern = regexp.MustCompile(`:(\d+\.\d+\.\d+):`)

type versionResponse struct {
	Version string `xml:"device>version"`
}

// Version pings the card and returns its firmware version, e.g. "4.4.0".
func (c *Card) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+strings.TrimPrefix(versionPath, "/"), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "cannot reach card at %s", c.base.Host)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("version endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", errors.Wrap(err, "read version response")
	}
	return ParseVersion(body)
}

// ParseVersion extracts the first x.y.z firmware version from the card's
// <response><device><version> document.
func ParseVersion(body []byte) (string, error) {
	var vr versionResponse
	if err := xml.Unmarshal(body, &vr); err != nil {
		return "", errors.Wrap(err, "parse version response")
	}
	if strings.TrimSpace(vr.Version) == "" {
		return "", errors.New("version response has no device/version element")
	}
	m := versionPattern.FindStringSubmatch(vr.Version)
	if m == nil {
		return "", errors.Errorf("unrecognized version string %q", strings.TrimSpace(vr.Version))
	}
	return m[1], nil
}
