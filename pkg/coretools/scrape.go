package coretools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/harun/toolgate/pkg/tool"
	"github.com/harun/toolgate/pkg/toolexecutor"
)

// NewHTTPClient returns the retrying client used by scrape.
func NewHTTPClient(retries int) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	return client
}

const defaultScrapeBytes = 2 << 20

type scrapeResult struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Byline string `json:"byline"`
	Text   string `json:"text"`
	Length int    `json:"length"`
}

func scrapeTool(client *retryablehttp.Client) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "scrape",
		Description: "Fetch a web page and return its readable text.",
		Class:       tool.ClassNetwork,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "url", Type: "string", Description: "Absolute http(s) URL", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum page bytes to read (default 2MiB)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			var args struct {
				URL      string `json:"url"`
				MaxBytes int64  `json:"max_bytes"`
			}
			if err := decodeArgs(params, &args); err != nil {
				return nil, err
			}
			pageURL, err := url.Parse(strings.TrimSpace(args.URL))
			if err != nil || pageURL.Host == "" || (pageURL.Scheme != "http" && pageURL.Scheme != "https") {
				return nil, fmt.Errorf("%w: url must be an absolute http(s) URL", tool.ErrValidation)
			}

			req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("User-Agent", "toolgate-scrape/1.0")
			req.Header.Set("Accept", "text/html,application/xhtml+xml")

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
			}

			maxBytes := args.MaxBytes
			if maxBytes <= 0 {
				maxBytes = defaultScrapeBytes
			}
			article, err := readability.FromReader(io.LimitReader(resp.Body, maxBytes), pageURL)
			if err != nil {
				return nil, fmt.Errorf("extract %s: %w", pageURL, err)
			}

			return scrapeResult{
				URL:    pageURL.String(),
				Title:  article.Title,
				Byline: article.Byline,
				Text:   strings.TrimSpace(article.TextContent),
				Length: article.Length,
			}, nil
		},
	}
}
