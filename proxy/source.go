// Package proxy selects the egress path for outbound requests: none, a fixed
// proxy, or the next entry of a rotating pool loaded from a list source.
package proxy

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// Source supplies the proxy pool contents, already normalized. Load failures
// degrade to an empty pool at the caller; sources only report what went wrong.
type Source interface {
	Load() ([]string, error)
}

// FileSource reads a line-oriented proxy list from disk.
type FileSource struct {
	Path string
}

func (f FileSource) Load() ([]string, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open proxy list: %w", err)
	}
	defer file.Close()

	var entries []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if entry, ok := ParseLine(scanner.Text()); ok {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxy list: %w", err)
	}
	return entries, nil
}

const defaultFetchTimeout = 15 * time.Second

// HTTPSource fetches the same line-oriented list from a remote endpoint, for
// providers that serve rotating pools over HTTP.
type HTTPSource struct {
	URL     string
	Timeout time.Duration // defaults to 15s
}

func (h HTTPSource) Load() ([]string, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(h.URL)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := fasthttp.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("fetch proxy list: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("fetch proxy list: status %d", resp.StatusCode())
	}

	var entries []string
	for _, line := range strings.Split(string(resp.Body()), "\n") {
		if entry, ok := ParseLine(line); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// ParseLine normalizes one proxy list line to http://[user:pass@]host:port.
// Supported formats:
//   - ip:port
//   - ip:port:username:password
//   - http://ip:port, https://ip:port
//   - http://username:password@ip:port, https://username:password@ip:port
//
// Blank lines, #-comments and unparseable lines are skipped.
func ParseLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", false
	}

	if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
		parsed, err := url.Parse(line)
		if err != nil || parsed.Host == "" {
			return "", false
		}
		// Normalize to http://, most proxy clients expect it.
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			return fmt.Sprintf("http://%s:%s@%s", parsed.User.Username(), password, parsed.Host), true
		}
		return fmt.Sprintf("http://%s", parsed.Host), true
	}

	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2:
		return fmt.Sprintf("http://%s:%s", parts[0], parts[1]), true
	case 4:
		return fmt.Sprintf("http://%s:%s@%s:%s", parts[2], parts[3], parts[0], parts[1]), true
	default:
		return "", false
	}
}

// Display strips credentials from a normalized proxy URL for logging.
func Display(proxyURL string) string {
	parsed, err := url.Parse(proxyURL)
	if err != nil || parsed.Host == "" {
		return proxyURL
	}
	return parsed.Host
}
