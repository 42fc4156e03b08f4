package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sethvargo/go-retry"

	appLog "datepoll/internal/log"
)

// maxBodySize bounds how much of a remote calendar is read.
const maxBodySize = 5 << 20

// ErrUnsupportedURL is returned for anything but http(s) URLs.
var ErrUnsupportedURL = errors.New("only http and https calendar URLs are supported")

// ErrPrivateAddress is returned when a calendar URL resolves to a loopback,
// private, link-local or otherwise non-public address.
var ErrPrivateAddress = errors.New("calendar host is not a public address")

// sharedAddressSpace is the carrier-grade NAT range (RFC 6598), which
// netip does not classify as private.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

func publicAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	switch {
	case !ip.IsValid(), ip.IsUnspecified(), ip.IsLoopback(), ip.IsPrivate(),
		ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(), ip.IsMulticast(),
		sharedAddressSpace.Contains(ip):
		return false
	}
	return true
}

// refusePrivate is a net.Dialer Control hook. It runs after DNS resolution,
// so a public name pointing at an internal address is refused too.
func refusePrivate(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if !publicAddr(ip) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
	}
	return nil
}

// StatusError is a non-OK HTTP answer from a calendar server.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return "ics fetch: " + e.Status }

// FetchResult is a calendar body and where it came from.
type FetchResult struct {
	Body      []byte
	FromCache bool
}

type cacheEntry struct {
	body         []byte
	etag         string
	lastModified string
	fetchedAt    time.Time
}

// Fetcher downloads remote calendars. Bodies are kept in memory for ttl and
// revalidated with ETag / Last-Modified afterwards; when the server fails
// the last good body is served instead.
type Fetcher struct {
	client  *http.Client
	ttl     time.Duration
	entries *cache.Cache
	backoff func() retry.Backoff
	now     func() time.Time
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*fetcherOptions)

type fetcherOptions struct {
	allowPrivate bool
}

// AllowPrivateNetworks lets the Fetcher reach loopback and private hosts,
// e.g. a calendar server on the same LAN.
func AllowPrivateNetworks() FetcherOption {
	return func(o *fetcherOptions) { o.allowPrivate = true }
}

// NewFetcher returns a Fetcher with the given request timeout and freshness
// window. Unless AllowPrivateNetworks is given it only connects to public
// addresses, and it ignores proxy settings so that the check applies to the
// calendar host itself.
func NewFetcher(timeout, ttl time.Duration, opts ...FetcherOption) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	var o fetcherOptions
	for _, opt := range opts {
		opt(&o)
	}

	client := &http.Client{Timeout: timeout}
	if !o.allowPrivate {
		dialer := &net.Dialer{Timeout: timeout, Control: refusePrivate}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = nil
		transport.DialContext = dialer.DialContext
		client.Transport = transport
	}
	return &Fetcher{
		client: client,
		ttl:    ttl,
		// Entries outlive their freshness so validators survive for a
		// conditional request.
		entries: cache.New(4*ttl, 8*ttl),
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
		},
		now: time.Now,
	}
}

// Fetch returns the calendar at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return FetchResult{}, ErrUnsupportedURL
	}

	var cached *cacheEntry
	if v, ok := f.entries.Get(rawURL); ok {
		cached = v.(*cacheEntry)
		if f.now().Sub(cached.fetchedAt) < f.ttl {
			return FetchResult{Body: cached.body, FromCache: true}, nil
		}
	}

	var res FetchResult
	err = retry.Do(ctx, f.backoff(), func(ctx context.Context) error {
		var ferr error
		res, ferr = f.fetchOnce(ctx, rawURL, cached)
		if ferr == nil {
			return nil
		}
		var se *StatusError
		if errors.As(ferr, &se) && se.Code < 500 {
			return ferr
		}
		if errors.Is(ferr, ErrPrivateAddress) {
			return ferr
		}
		appLog.Debug("ics fetch attempt failed", "url", redactURL(rawURL), "err", ferr)
		return retry.RetryableError(ferr)
	})
	if err != nil {
		if cached != nil {
			appLog.Error("ics fetch failed, using cached body", err, "url", redactURL(rawURL))
			return FetchResult{Body: cached.body, FromCache: true}, nil
		}
		return FetchResult{}, err
	}
	return res, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string, cached *cacheEntry) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("Accept", "text/calendar")
	if cached != nil {
		if cached.etag != "" {
			req.Header.Set("If-None-Match", cached.etag)
		}
		if cached.lastModified != "" {
			req.Header.Set("If-Modified-Since", cached.lastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		refreshed := *cached
		refreshed.fetchedAt = f.now()
		f.entries.SetDefault(rawURL, &refreshed)
		appLog.Debug("ics not modified", "url", redactURL(rawURL))
		return FetchResult{Body: cached.body, FromCache: true}, nil

	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
		if err != nil {
			return FetchResult{}, err
		}
		if len(body) > maxBodySize {
			return FetchResult{}, &StatusError{Code: http.StatusRequestEntityTooLarge, Status: fmt.Sprintf("calendar larger than %d bytes", maxBodySize)}
		}
		f.entries.SetDefault(rawURL, &cacheEntry{
			body:         body,
			etag:         resp.Header.Get("ETag"),
			lastModified: resp.Header.Get("Last-Modified"),
			fetchedAt:    f.now(),
		})
		appLog.Info("ics fetched", "url", redactURL(rawURL), "bytes", len(body))
		return FetchResult{Body: body}, nil

	default:
		return FetchResult{}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

// redactURL keeps only scheme and host, since calendar URLs often embed
// private tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
