package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskgate/cli/internal/identity"
	"taskgate/cli/internal/logging"
	"taskgate/cli/internal/tool"
)

const (
	clientID   = "gateway-client"
	clientMode = "backend"
	clientRole = "operator"

	minProtocol = 3
	maxProtocol = 3

	defaultChallengeWait = 800 * time.Millisecond
	defaultPollInterval  = 900 * time.Millisecond

	connectTimeoutCap  = 15 * time.Second
	identityTimeout    = 10 * time.Second
	chatSendTimeoutCap = 20 * time.Second
	historyTimeout     = 15 * time.Second
)

var clientScopes = []string{"operator.admin", "operator.pairing", "operator.approvals"}

type TaskRequest struct {
	Task         string
	SystemPrompt string
	Model        string
	Tools        []tool.Tool
	Timeout      time.Duration
}

type TaskResult struct {
	Response  string
	ToolsUsed []tool.Tool
	TokensIn  int
	TokensOut int
}

type Options struct {
	URL            string
	Token          string
	ClientVersion  string
	ClientInstance string
	Dialer         Dialer
	Logger         *slog.Logger
	PollInterval   time.Duration
	ChallengeWait  time.Duration
	Now            func() time.Time
}

// Client executes tasks against the remote gateway. Each ExecuteTask call
// owns one connection and one fresh device identity for its whole lifetime.
type Client struct {
	url            string
	token          string
	clientVersion  string
	clientInstance string
	dialer         Dialer
	logger         *slog.Logger
	pollInterval   time.Duration
	challengeWait  time.Duration
	now            func() time.Time
}

func NewClient(opts Options) *Client {
	c := &Client{
		url:            WSURL(opts.URL),
		token:          opts.Token,
		clientVersion:  opts.ClientVersion,
		clientInstance: opts.ClientInstance,
		dialer:         opts.Dialer,
		logger:         opts.Logger,
		pollInterval:   opts.PollInterval,
		challengeWait:  opts.ChallengeWait,
		now:            opts.Now,
	}
	if c.clientVersion == "" {
		c.clientVersion = "0.1.0"
	}
	if c.clientInstance == "" {
		c.clientInstance = "taskgate"
	}
	if c.dialer == nil {
		c.dialer = RealDialer{}
	}
	if c.logger == nil {
		c.logger = logging.Nop()
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.challengeWait <= 0 {
		c.challengeWait = defaultChallengeWait
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// ExecuteTask runs one task end to end: dial, authenticate, submit, poll for
// the assistant reply. The connection is closed on every exit path; a task
// already submitted may keep running gateway-side after we give up polling.
func (c *Client) ExecuteTask(ctx context.Context, req TaskRequest) (TaskResult, error) {
	timeout := req.Timeout
	if timeout < 5*time.Second {
		timeout = 5 * time.Second
	}
	deadline := c.now().Add(timeout)

	dialTimeout := timeout / 2
	if dialTimeout > connectTimeoutCap {
		dialTimeout = connectTimeoutCap
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	sock, err := c.dialer.Dial(dialCtx, c.url)
	cancel()
	if err != nil {
		return TaskResult{}, fmt.Errorf("gateway dial %s: %w", c.url, err)
	}

	conn := NewConn(sock, c.logger)
	defer conn.Close()

	if _, err := c.connect(ctx, conn, minDuration(connectTimeoutCap, timeout)); err != nil {
		return TaskResult{}, err
	}

	sessionKey := c.resolveSessionKey(ctx, conn)

	mapped := mapToolNames(req.Tools)
	message := composeMessage(req, mapped)
	startedAt := c.now().UnixMilli()

	_, err = conn.Request(ctx, "chat.send", ChatSendParams{
		SessionKey:     sessionKey,
		Message:        message,
		Deliver:        false,
		IdempotencyKey: uuid.NewString(),
	}, minDuration(chatSendTimeoutCap, timeout))
	if err != nil {
		return TaskResult{}, fmt.Errorf("submit task: %w", err)
	}

	response, err := c.pollHistory(ctx, conn, sessionKey, startedAt, deadline)
	if err != nil {
		return TaskResult{}, err
	}

	toolsUsed := req.Tools
	if len(toolsUsed) == 0 {
		toolsUsed = []tool.Tool{tool.BasicChat}
	}
	return TaskResult{
		Response:  response,
		ToolsUsed: toolsUsed,
		TokensIn:  estimateTokens(message),
		TokensOut: estimateTokens(response),
	}, nil
}

// connect performs the device-identity handshake. A connect.challenge event
// may arrive before connect is accepted; its nonce must be the final field of
// the signed string (protocol v2). Without one we sign the v1 form.
func (c *Client) connect(ctx context.Context, conn *Conn, timeout time.Duration) (json.RawMessage, error) {
	dev, err := identity.Generate()
	if err != nil {
		return nil, err
	}

	nonce := ""
	if payload, ok := conn.WaitEvent(ctx, "connect.challenge", c.challengeWait); ok {
		var challenge struct {
			Nonce string `json:"nonce"`
		}
		if err := json.Unmarshal(payload, &challenge); err == nil {
			nonce = challenge.Nonce
		}
	}

	signedAt := c.now().UnixMilli()
	sigStr := SignatureString(dev.ID, clientID, clientMode, clientRole, clientScopes, signedAt, c.token, nonce)

	params := ConnectParams{
		MinProtocol: minProtocol,
		MaxProtocol: maxProtocol,
		Client: ClientInfo{
			ID:         clientID,
			Version:    c.clientVersion,
			Platform:   "go",
			Mode:       clientMode,
			InstanceID: c.clientInstance,
		},
		Role:   clientRole,
		Scopes: clientScopes,
		Caps:   []string{},
		Auth:   AuthParams{Token: c.token},
		Device: DeviceAuth{
			ID:        dev.ID,
			PublicKey: dev.PublicKey,
			Signature: dev.Sign([]byte(sigStr)),
			SignedAt:  signedAt,
			Nonce:     nonce,
		},
		UserAgent: c.clientInstance,
		Locale:    "en-US",
	}

	hello, err := conn.Request(ctx, "connect", params, timeout)
	if err != nil {
		return nil, fmt.Errorf("gateway authentication: %w", err)
	}
	return hello, nil
}

// resolveSessionKey prefers the gateway's main session key; "main" otherwise.
func (c *Client) resolveSessionKey(ctx context.Context, conn *Conn) string {
	payload, err := conn.Request(ctx, "agent.identity.get", struct{}{}, identityTimeout)
	if err != nil {
		return "main"
	}
	var ident struct {
		MainSessionKey string `json:"mainSessionKey"`
	}
	if err := json.Unmarshal(payload, &ident); err != nil || ident.MainSessionKey == "" {
		return "main"
	}
	return ident.MainSessionKey
}

// pollHistory polls chat.history until an assistant message authored at or
// after startedAt carries non-empty text, bounded by the wall-clock deadline.
func (c *Client) pollHistory(ctx context.Context, conn *Conn, sessionKey string, startedAt int64, deadline time.Time) (string, error) {
	var lastErr error
	for {
		if !c.now().Before(deadline) {
			if lastErr != nil {
				return "", fmt.Errorf("timed out waiting for gateway response: %w", lastErr)
			}
			return "", errors.New("timed out waiting for gateway response")
		}

		payload, err := conn.Request(ctx, "chat.history", ChatHistoryParams{SessionKey: sessionKey, Limit: 50}, historyTimeout)
		if err != nil {
			if errors.Is(err, ErrConnClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return "", err
			}
			lastErr = err
		} else if text, ok := latestAssistantText(payload, startedAt); ok {
			return text, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// latestAssistantText finds the newest assistant message at or after
// startedAt. The timestamp filter avoids matching a stale prior response.
func latestAssistantText(payload json.RawMessage, startedAt int64) (string, bool) {
	var history ChatHistoryPayload
	if err := json.Unmarshal(payload, &history); err != nil {
		return "", false
	}
	candidates := make([]ChatMessage, 0, len(history.Messages))
	for _, m := range history.Messages {
		if m.Role == "assistant" && m.Timestamp >= startedAt {
			candidates = append(candidates, m)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Timestamp < candidates[j].Timestamp })
	for i := len(candidates) - 1; i >= 0; i-- {
		if text := candidates[i].Text(); text != "" {
			return text, true
		}
	}
	return "", false
}

// composeMessage folds system prompt, model and requested tools into the task
// text; the wire protocol carries none of them as structured fields.
func composeMessage(req TaskRequest, mappedTools []string) string {
	var b strings.Builder
	if p := strings.TrimSpace(req.SystemPrompt); p != "" {
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	if req.Model != "" {
		b.WriteString("Model: ")
		b.WriteString(req.Model)
		b.WriteString("\n")
	}
	if len(mappedTools) > 0 {
		b.WriteString("Requested tools: ")
		b.WriteString(strings.Join(mappedTools, ", "))
		b.WriteString("\n\n")
	}
	b.WriteString(req.Task)
	return b.String()
}

// mapToolNames translates billing tool names into the gateway's capability
// names, deduplicated in first-seen order.
func mapToolNames(tools []tool.Tool) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(tools))
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, t := range tools {
		switch t {
		case tool.WebSearch:
			add("web_search")
		case tool.WebBrowse:
			add("browser")
		case tool.CodeExec:
			add("exec")
		case tool.FileAccess:
			add("read")
			add("write")
		case tool.EmailSend:
			add("message")
		default:
			if s := strings.TrimSpace(string(t)); s != "" {
				add(s)
			}
		}
	}
	return out
}

// estimateTokens is a rough len/4 heuristic, good enough for usage metadata.
func estimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
