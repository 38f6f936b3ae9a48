// Package directory retrieves the candidate server list from the remote
// directory service. Results are paged by cursor and deduplicated; a
// failure on any page discards the whole fetch so a refresh never acts on
// a silently truncated candidate list.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/karstfell/muster/internal/models"
	"github.com/karstfell/muster/internal/protocol"
)

// ErrFetch is wrapped by every directory failure. It aborts the whole
// refresh cycle rather than any single server.
var ErrFetch = errors.New("directory fetch failed")

const (
	binaryContentType = "application/octet-stream"
	maxResponseBytes  = 4 << 20
	maxPages          = 256
)

// Fetcher yields the candidate server addresses for one refresh cycle.
type Fetcher interface {
	FetchAddresses(ctx context.Context) ([]models.Address, error)
}

// Client pages through an HTTP directory endpoint. The endpoint may serve
// JSON pages or binary pages with a trailing checksum; the payload variant
// is dispatched on the response content type.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient builds a directory client for the given endpoint URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// jsonPage is the JSON payload variant of one directory page.
type jsonPage struct {
	Next    string `json:"next"`
	Servers []struct {
		Host string `json:"host"`
		Port uint16 `json:"port"`
	} `json:"servers"`
}

// FetchAddresses pages through the directory until the next-page marker is
// empty, deduplicating across pages. An empty directory is a valid result.
func (c *Client) FetchAddresses(ctx context.Context) ([]models.Address, error) {
	var (
		out    []models.Address
		seen   = make(map[models.Address]struct{})
		cursor string
	)
	visited := make(map[string]struct{})

	for page := 0; ; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("%w: more than %d pages", ErrFetch, maxPages)
		}
		if _, loop := visited[cursor]; loop {
			return nil, fmt.Errorf("%w: cursor loop at %q", ErrFetch, cursor)
		}
		visited[cursor] = struct{}{}

		addrs, next, err := c.fetchPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	log.Debug().Int("servers", len(out)).Msg("directory fetch complete")
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, cursor string) ([]models.Address, string, error) {
	pageURL := c.baseURL
	if cursor != "" {
		sep := "?"
		if strings.Contains(pageURL, "?") {
			sep = "&"
		}
		pageURL += sep + "cursor=" + url.QueryEscape(cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetch, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: directory returned %s", ErrFetch, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetch, err)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), binaryContentType) {
		return decodeBinaryPage(body)
	}
	return decodeJSONPage(body)
}

func decodeJSONPage(body []byte) ([]models.Address, string, error) {
	var page jsonPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetch, err)
	}

	var addrs []models.Address
	for _, s := range page.Servers {
		if s.Host == "" || s.Port == 0 {
			continue
		}
		addrs = append(addrs, models.Address{Host: s.Host, Port: s.Port})
	}
	return addrs, page.Next, nil
}

func decodeBinaryPage(body []byte) ([]models.Address, string, error) {
	page, err := protocol.DecodeDirectoryPage(body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetch, err)
	}

	var addrs []models.Address
	for _, e := range page.Entries {
		if e.Port == 0 {
			continue
		}
		addrs = append(addrs, models.Address{Host: e.IP.String(), Port: e.Port})
	}
	return addrs, page.Next, nil
}
