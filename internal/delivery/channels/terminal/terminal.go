// Package terminal is the interactive console channel: it prints task results
// and asks the operator to decide pending approvals.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"taskplane/internal/domain/task"
	"taskplane/internal/domain/tool"
	"taskplane/internal/shared/async"
	"taskplane/internal/shared/logging"
)

// ChannelTerminal is the channel id of the console.
const ChannelTerminal = "terminal"

// Responder resolves approval requests.
type Responder interface {
	HandleResponse(ctx context.Context, requestID string, approved bool, userID string) (*tool.ApprovalRequest, error)
}

// Config configures a Channel.
type Config struct {
	UserID string
	// AutoApprove accepts every prompt without reading input.
	AutoApprove bool
	// Color forces colour on or off. Nil detects a terminal on Out.
	Color *bool
	In    io.Reader
	Out   io.Writer
}

// Channel is a task.Observer that writes to a console.
type Channel struct {
	cfg       Config
	responder Responder
	logger    logging.Logger
	color     bool

	lines     chan string
	startRead sync.Once

	promptMu sync.Mutex
	outMu    sync.Mutex

	mu      sync.Mutex
	results map[string]task.Response
	waiters map[string][]chan task.Response
}

func New(cfg Config, responder Responder, logger logging.Logger) *Channel {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		cfg.UserID = "operator"
	}
	useColor := false
	if cfg.Color != nil {
		useColor = *cfg.Color
	} else if f, ok := cfg.Out.(*os.File); ok {
		useColor = term.IsTerminal(int(f.Fd()))
	}
	return &Channel{
		cfg:       cfg,
		responder: responder,
		logger:    logging.OrNop(logger),
		color:     useColor,
		lines:     make(chan string),
		results:   make(map[string]task.Response),
		waiters:   make(map[string][]chan task.Response),
	}
}

// SessionID is the channel session the console submits tasks under.
func (c *Channel) SessionID() string {
	return ChannelTerminal + ":" + c.cfg.UserID
}

func (c *Channel) UserID() string { return c.cfg.UserID }

// Out is the writer results are printed to.
func (c *Channel) Out() io.Writer { return c.cfg.Out }

// SetResponder sets where approval decisions are sent. It must be called
// before the first prompt.
func (c *Channel) SetResponder(r Responder) { c.responder = r }

// ChannelID implements task.Observer.
func (c *Channel) ChannelID() string { return ChannelTerminal }

// Deliver implements task.Observer.
func (c *Channel) Deliver(_ context.Context, resp task.Response) error {
	var status string
	switch resp.Status {
	case task.ResponseDone:
		status = c.colorize("done", color.FgGreen, color.Bold)
	case task.ResponseAborted:
		status = c.colorize("aborted", color.FgYellow, color.Bold)
	default:
		status = c.colorize("failed", color.FgRed, color.Bold)
	}
	c.printf("\n[%s] task %s %s\n%s\n", c.colorize(resp.SessionID, color.FgCyan), resp.TaskID, status, resp.Text)
	if code := resp.Metadata["error_code"]; code != "" {
		c.printf("%s\n", c.colorize("code: "+code, color.FgHiBlack))
	}

	c.mu.Lock()
	c.results[resp.TaskID] = resp
	waiters := c.waiters[resp.TaskID]
	delete(c.waiters, resp.TaskID)
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- resp
	}
	return nil
}

// Wait blocks until the response for taskID has been delivered here.
func (c *Channel) Wait(ctx context.Context, taskID string) (task.Response, error) {
	c.mu.Lock()
	if resp, ok := c.results[taskID]; ok {
		c.mu.Unlock()
		return resp, nil
	}
	ch := make(chan task.Response, 1)
	c.waiters[taskID] = append(c.waiters[taskID], ch)
	c.mu.Unlock()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return task.Response{}, ctx.Err()
	}
}

// Prompt asks the operator to decide req and forwards the decision. Prompts
// are shown one at a time; an unanswered prompt is left to expire.
func (c *Channel) Prompt(ctx context.Context, req *tool.ApprovalRequest) error {
	if req == nil {
		return nil
	}
	c.promptMu.Lock()
	defer c.promptMu.Unlock()

	if c.cfg.AutoApprove {
		_, err := c.responder.HandleResponse(ctx, req.ID, true, c.cfg.UserID)
		return err
	}

	c.displayRequest(req)
	waitCtx := ctx
	if !req.ExpiresAt.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, req.ExpiresAt)
		defer cancel()
	}
	c.printf("%s", c.colorize("Approve? [y/N]: ", color.FgCyan))
	line, err := c.readLine(waitCtx)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			c.printf("\n%s\n", c.colorize("Timed out; the request will expire.", color.FgRed))
			return nil
		case errors.Is(err, io.EOF):
			// No operator can answer once input is closed.
			line = "n"
		default:
			return err
		}
	}
	approved := false
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		approved = true
	}
	_, err = c.responder.HandleResponse(ctx, req.ID, approved, c.cfg.UserID)
	return err
}

// HandleApprovalRequest runs Prompt in the background. It matches the
// orchestrator's approval hook signature.
func (c *Channel) HandleApprovalRequest(t *task.Task, req *tool.ApprovalRequest) {
	if t == nil || task.ChannelID(t.ChannelSessionID) != ChannelTerminal {
		return
	}
	async.Go(c.logger, "terminal-approval:"+req.ID, func() {
		if err := c.Prompt(context.Background(), req); err != nil {
			c.logger.Warn("approval %s: %v", req.ID, err)
		}
	})
}

func (c *Channel) displayRequest(req *tool.ApprovalRequest) {
	separator := strings.Repeat("=", 60)
	c.printf("\n%s\n", c.colorize(separator, color.FgCyan))
	title := "Tool approval"
	if req.Kind == tool.ApprovalKindRecovery {
		title = "Recovery approval"
	}
	c.printf("%s\n", c.colorize(fmt.Sprintf("%s: %s", title, req.ToolID), color.FgYellow, color.Bold))
	if req.TaskID != "" {
		c.printf("Task: %s\n", req.TaskID)
	}
	if req.Summary != "" {
		c.printf("%s\n", req.Summary)
	}
	if len(req.Input) > 0 {
		keys := make([]string, 0, len(req.Input))
		for k := range req.Input {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			c.printf("  %s: %v\n", k, req.Input[k])
		}
	}
	if !req.ExpiresAt.IsZero() {
		c.printf("%s\n", c.colorize("Expires in "+time.Until(req.ExpiresAt).Round(time.Second).String(), color.FgHiBlack))
	}
	c.printf("%s\n", c.colorize(separator, color.FgCyan))
}

// readLine returns the next input line. A single reader goroutine owns In so
// an abandoned prompt does not swallow the next answer.
func (c *Channel) readLine(ctx context.Context) (string, error) {
	c.startRead.Do(func() {
		async.Go(c.logger, "terminal-input", func() {
			scanner := bufio.NewScanner(c.cfg.In)
			for scanner.Scan() {
				c.lines <- scanner.Text()
			}
			close(c.lines)
		})
	})
	select {
	case line, ok := <-c.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Channel) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.cfg.Out, format, args...)
}

func (c *Channel) colorize(text string, attrs ...color.Attribute) string {
	if !c.color {
		return text
	}
	col := color.New(attrs...)
	col.EnableColor()
	return col.Sprint(text)
}
