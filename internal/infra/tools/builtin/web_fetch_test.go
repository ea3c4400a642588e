package builtin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskplane/internal/domain/tool"
	"taskplane/internal/infra/httpclient"
)

var local = httpclient.URLValidationOptions{AllowLocalhost: true}

const samplePage = `<html><head><title>Release notes</title><script>var x=1;</script></head>
<body><nav>menu</nav><h1>Version 2</h1><p>The scheduler now skips overlapping runs.</p>
<ul><li>faster queues</li><li>fewer retries</li></ul></body></html>`

func TestWebFetchExtractsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	res := WebFetch(srv.Client(), local).Run(context.Background(), map[string]any{"url": srv.URL}, tool.RunContext{})
	require.True(t, res.OK, "unexpected failure: %v", res.Error)
	data := res.Data.(map[string]any)
	content := data["content"].(string)
	assert.Contains(t, content, "# Release notes")
	assert.Contains(t, content, "# Version 2")
	assert.Contains(t, content, "skips overlapping runs")
	assert.Contains(t, content, "- faster queues")
	assert.NotContains(t, content, "var x")
	assert.NotContains(t, content, "menu")
}

func TestWebFetchMapsStatusCodes(t *testing.T) {
	cases := map[int]tool.ErrorCode{
		http.StatusTooManyRequests:     tool.ErrResourceExhausted,
		http.StatusForbidden:           tool.ErrPermissionDenied,
		http.StatusBadGateway:          tool.ErrTransport,
		http.StatusNotFound:            tool.ErrExecution,
		http.StatusInternalServerError: tool.ErrTransport,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		res := WebFetch(srv.Client(), local).Run(context.Background(), map[string]any{"url": srv.URL}, tool.RunContext{})
		srv.Close()
		assert.False(t, res.OK)
		assert.Equal(t, want, res.ErrorCode(), "status %d", status)
	}
}

func TestWebFetchRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "not a url", "http://"} {
		res := WebFetch(nil, local).Run(context.Background(), map[string]any{"url": raw}, tool.RunContext{})
		assert.Equal(t, tool.ErrSchemaValidation, res.ErrorCode(), raw)
	}
}

func TestWebFetchTimeoutAndTransport(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := WebFetch(srv.Client(), local).Run(ctx, map[string]any{"url": srv.URL}, tool.RunContext{})
	assert.Equal(t, tool.ErrTimeout, res.ErrorCode())

	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()
	res = WebFetch(httpclient.New(time.Second, nil), local).Run(context.Background(), map[string]any{"url": addr}, tool.RunContext{})
	assert.Equal(t, tool.ErrTransport, res.ErrorCode())
}

func TestWebFetchBlocksPrivateTargetsByDefault(t *testing.T) {
	res := WebFetch(nil, httpclient.URLValidationOptions{}).Run(context.Background(), map[string]any{"url": "http://127.0.0.1:9/"}, tool.RunContext{})
	assert.Equal(t, tool.ErrSchemaValidation, res.ErrorCode())
	assert.Contains(t, res.ErrorMessage(), "local urls are not allowed")
}

func TestHTMLToTextFallsBackToPlainText(t *testing.T) {
	text, err := htmlToText("just some plain text")
	require.NoError(t, err)
	assert.Equal(t, "just some plain text", text)
}
