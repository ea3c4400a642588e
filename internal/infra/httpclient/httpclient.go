// Package httpclient builds the HTTP clients used by outbound tools.
package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"taskplane/internal/shared/logging"
)

// ProxyModeEnv selects how proxies from the environment are used:
// "env" (default) honours HTTP(S)_PROXY/NO_PROXY, "direct" ignores them.
const ProxyModeEnv = "TASKPLANE_PROXY_MODE"

const maxRedirects = 10

// New returns an http.Client for tool traffic. Redirect chains are capped.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: Transport(logger),
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// Transport returns a clone of the default transport with the configured
// proxy policy.
func Transport(logger logging.Logger) *http.Transport {
	proxy := proxyFunc(logging.OrNop(logger))
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{Proxy: proxy}
	}
	transport := base.Clone()
	transport.Proxy = proxy
	return transport
}

func proxyFunc(logger logging.Logger) func(*http.Request) (*url.URL, error) {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv(ProxyModeEnv)))
	switch mode {
	case "direct", "none", "off":
		logger.Debug("outbound proxy disabled by %s", ProxyModeEnv)
		return nil
	case "", "env", "auto", "strict":
		return http.ProxyFromEnvironment
	default:
		logger.Warn("unknown %s=%q; using proxy settings from the environment", ProxyModeEnv, mode)
		return http.ProxyFromEnvironment
	}
}
