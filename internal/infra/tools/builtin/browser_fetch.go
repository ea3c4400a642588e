package builtin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"taskplane/internal/domain/tool"
	"taskplane/internal/infra/httpclient"
)

const BrowserFetchID = "browser_fetch"

// BrowserConfig controls the shared Chrome process.
type BrowserConfig struct {
	Headless bool
	ExecPath string
	// PageTimeout bounds one navigation.
	PageTimeout time.Duration
}

// Browser owns a lazily started Chrome allocator. Tabs are opened per call.
type Browser struct {
	cfg         BrowserConfig
	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 45 * time.Second
	}
	return &Browser{cfg: cfg}
}

// ensureAllocator must be called with b.mu held.
func (b *Browser) ensureAllocator() context.Context {
	if b.allocCtx != nil && b.allocCtx.Err() == nil {
		return b.allocCtx
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.Flag("disable-gpu", b.cfg.Headless),
	)
	if path := strings.TrimSpace(b.cfg.ExecPath); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return b.allocCtx
}

// Fetch renders target and returns the page's outer HTML.
func (b *Browser) Fetch(ctx context.Context, target string) (string, error) {
	b.mu.Lock()
	alloc := b.ensureAllocator()
	b.mu.Unlock()

	tabCtx, cancelTab := chromedp.NewContext(alloc)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, b.cfg.PageTimeout)
	defer cancelTimeout()

	// Tie the tab to the caller's context as well as the allocator.
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var html string
	if err := chromedp.Run(tabCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("render %s: %w", target, err)
	}
	return html, nil
}

// Close stops the Chrome process if one was started.
func (b *Browser) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocCancel != nil {
		b.allocCancel()
		b.allocCtx, b.allocCancel = nil, nil
	}
}

// BrowserFetch renders a page in headless Chrome. It is the usual alternative
// for web_fetch when plain HTTP is blocked or the page needs scripts.
func BrowserFetch(b *Browser, urls httpclient.URLValidationOptions) tool.Tool {
	return tool.Tool{
		ID:          BrowserFetchID,
		Description: "Render a web page in a headless browser and return its text content.",
		Schema: tool.Schema{
			Type: "object",
			Properties: map[string]tool.Property{
				"url": {Type: "string", Description: "Absolute http(s) URL"},
			},
			Required: []string{"url"},
		},
		Timeout: b.cfg.PageTimeout + 5*time.Second,
		Run: func(ctx context.Context, input map[string]any, _ tool.RunContext) tool.Result {
			target, failure := parseURL(input, urls)
			if failure != nil {
				return *failure
			}
			html, err := b.Fetch(ctx, target)
			if err != nil {
				if ctx.Err() != nil {
					return tool.Failure(tool.ErrCancelled, err.Error())
				}
				return tool.Failure(tool.ErrTransport, err.Error())
			}
			text, err := htmlToText(html)
			if err != nil {
				return tool.Failure(tool.ErrExecution, fmt.Sprintf("parse HTML: %v", err))
			}
			return tool.Success(map[string]any{"url": target, "content": text})
		},
	}
}
