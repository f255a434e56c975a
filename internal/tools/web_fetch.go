package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/pkg/protocol"
)

const (
	defaultFetchMaxChars = 50000
	defaultMaxFetchBytes = 2 << 20
	fetchMaxRedirects    = 3
	fetchTimeout         = 30 * time.Second
	fetchUserAgent       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

type fetchRequest struct {
	URL         string
	ExtractMode string // "markdown" (default) or "text"
	MaxChars    int
}

// webFetcher retrieves pages either with a plain HTTP client or, when
// configured, through a headless browser so script-rendered pages come back
// with their content in place.
type webFetcher struct {
	render   bool
	maxBytes int64
}

func newWebFetcher(cfg config.WebToolsConfig) *webFetcher {
	maxBytes := int64(cfg.MaxFetchBytes)
	if maxBytes <= 0 {
		maxBytes = defaultMaxFetchBytes
	}
	return &webFetcher{
		render:   cfg.FetchMode == "render",
		maxBytes: maxBytes,
	}
}

func (f *webFetcher) Fetch(ctx context.Context, req fetchRequest) (string, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return "", protocol.E(protocol.CodeValidationError, "invalid URL: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", protocol.E(protocol.CodeValidationError, "only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return "", protocol.E(protocol.CodeValidationError, "missing hostname in URL")
	}
	if err := checkSSRF(parsed); err != nil {
		return "", protocol.E(protocol.CodePolicyDenied, "blocked URL: %v", err)
	}

	mode := req.ExtractMode
	if mode != "text" {
		mode = "markdown"
	}
	maxChars := req.MaxChars
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}

	var (
		body        string
		contentType string
		status      int
		finalURL    string
	)
	if f.render {
		body, finalURL, err = f.fetchRendered(ctx, req.URL)
		contentType = "text/html"
		status = http.StatusOK
	} else {
		body, contentType, status, finalURL, err = f.fetchPlain(ctx, req.URL)
	}
	if err != nil {
		return "", protocol.E(protocol.CodeProviderTransport, "fetch failed: %v", err)
	}

	text, extractor := extractContent(body, contentType, mode)
	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", finalURL)
	fmt.Fprintf(&sb, "Status: %d\n", status)
	fmt.Fprintf(&sb, "Extractor: %s\n", extractor)
	if truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit: %d chars)\n", maxChars)
	}
	fmt.Fprintf(&sb, "Length: %d\n\n", len(text))
	fmt.Fprintf(&sb, "<web_content source=%q url=%q>\n", "external", finalURL)
	sb.WriteString(text)
	sb.WriteString("\n</web_content>")
	return sb.String(), nil
}

func (f *webFetcher) fetchPlain(ctx context.Context, rawURL string) (body, contentType string, status int, finalURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", 0, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	client := &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= fetchMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
			}
			return checkSSRF(req.URL)
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", "", 0, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return "", "", 0, "", fmt.Errorf("read body: %w", err)
	}
	return string(raw), resp.Header.Get("Content-Type"), resp.StatusCode, resp.Request.URL.String(), nil
}

// fetchRendered loads the page in a headless browser and returns its DOM
// after the load event, so client-rendered pages are extracted like static
// ones.
func (f *webFetcher) fetchRendered(ctx context.Context, rawURL string) (string, string, error) {
	controlURL, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return "", "", fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return "", "", fmt.Errorf("connect browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{URL: rawURL})
	if err != nil {
		return "", "", fmt.Errorf("open page: %w", err)
	}
	if err := page.Timeout(fetchTimeout).WaitLoad(); err != nil {
		return "", "", fmt.Errorf("wait for load: %w", err)
	}
	html, err := page.HTML()
	if err != nil {
		return "", "", fmt.Errorf("read page: %w", err)
	}

	finalURL := rawURL
	if info, err := page.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
	}
	return html, finalURL, nil
}

// checkSSRF rejects URLs whose host resolves to loopback, private, or
// link-local addresses. Named hosts are resolved so DNS-level rebinds to
// internal ranges are caught before the request goes out.
func checkSSRF(u *url.URL) error {
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing hostname")
	}
	if ip := net.ParseIP(host); ip != nil {
		return checkBlockedIP(ip)
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") ||
		strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return fmt.Errorf("internal hostname %s", host)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if err := checkBlockedIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func checkBlockedIP(ip net.IP) error {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("address %s is not routable", ip)
	}
	return nil
}
