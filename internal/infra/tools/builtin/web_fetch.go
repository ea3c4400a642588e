// Package builtin provides the tools registered by default.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"taskplane/internal/domain/tool"
	"taskplane/internal/infra/httpclient"
)

const (
	WebFetchID = "web_fetch"

	userAgent       = "taskplane/1.0 (Web Content Fetcher)"
	maxTextSize     = 15000
	maxResponseBody = 4 << 20
)

// httpError is a non-200 response.
type httpError struct {
	status int
	text   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.text)
}

// WebFetch fetches a URL over HTTP and returns its readable text.
func WebFetch(client *http.Client, urls httpclient.URLValidationOptions) tool.Tool {
	if client == nil {
		client = httpclient.New(0, nil)
	}
	return tool.Tool{
		ID:          WebFetchID,
		Description: "Fetch a web page over HTTP and return its text content.",
		Schema: tool.Schema{
			Type: "object",
			Properties: map[string]tool.Property{
				"url": {Type: "string", Description: "Absolute http(s) URL"},
			},
			Required: []string{"url"},
		},
		Run: func(ctx context.Context, input map[string]any, _ tool.RunContext) tool.Result {
			target, failure := parseURL(input, urls)
			if failure != nil {
				return *failure
			}
			text, final, err := fetchText(ctx, client, target)
			if err != nil {
				return fetchFailure(err)
			}
			return tool.Success(map[string]any{"url": final, "content": text})
		},
	}
}

func parseURL(input map[string]any, opts httpclient.URLValidationOptions) (string, *tool.Result) {
	raw, _ := input["url"].(string)
	u, err := httpclient.ValidateOutboundURL(raw, opts)
	if err != nil {
		res := tool.Failure(tool.ErrSchemaValidation, fmt.Sprintf("url %q: %v", raw, err))
		return "", &res
	}
	return u.String(), nil
}

func fetchText(ctx context.Context, client *http.Client, target string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("HTTP request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", "", &httpError{status: resp.StatusCode, text: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", "", fmt.Errorf("read response: %w", err)
	}
	content, err := htmlToText(string(body))
	if err != nil {
		return "", "", fmt.Errorf("parse HTML: %w", err)
	}
	return content, resp.Request.URL.String(), nil
}

// fetchFailure maps a fetch error onto a tool error code so recovery can
// classify it.
func fetchFailure(err error) tool.Result {
	var herr *httpError
	if errors.As(err, &herr) {
		switch {
		case herr.status == http.StatusTooManyRequests:
			return tool.Failure(tool.ErrResourceExhausted, err.Error())
		case herr.status == http.StatusUnauthorized || herr.status == http.StatusForbidden:
			return tool.Failure(tool.ErrPermissionDenied, err.Error())
		case herr.status >= 500:
			return tool.Failure(tool.ErrTransport, err.Error())
		default:
			return tool.Failure(tool.ErrExecution, err.Error())
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return tool.Failure(tool.ErrTimeout, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return tool.Failure(tool.ErrCancelled, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return tool.Failure(tool.ErrTimeout, err.Error())
		}
		return tool.Failure(tool.ErrTransport, err.Error())
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return tool.Failure(tool.ErrTransport, err.Error())
	}
	return tool.Failure(tool.ErrExecution, err.Error())
}

// htmlToText reduces an HTML document to headings, paragraphs and list items.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, nav, footer, header, aside, iframe").Remove()

	var content strings.Builder
	if title := strings.TrimSpace(doc.Find("title").Text()); title != "" {
		content.WriteString("# " + title + "\n\n")
	}

	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			level := int(s.Get(0).Data[1] - '0')
			content.WriteString(strings.Repeat("#", level) + " " + text + "\n\n")
		}
	})

	doc.Find("p, div.content, article, section").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			content.WriteString(text + "\n\n")
		}
	})

	doc.Find("ul, ol").Each(func(_ int, s *goquery.Selection) {
		s.Find("li").Each(func(_ int, li *goquery.Selection) {
			if text := strings.TrimSpace(li.Text()); text != "" {
				content.WriteString("- " + text + "\n")
			}
		})
		content.WriteString("\n")
	})

	result := strings.TrimSpace(content.String())
	if result == "" {
		result = strings.TrimSpace(doc.Text())
	}
	if len(result) > maxTextSize {
		result = result[:maxTextSize] + "\n\n[Content truncated...]"
	}
	return result, nil
}
