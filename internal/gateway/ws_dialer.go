package gateway

import (
	"context"
	"regexp"
	"strings"

	"github.com/coder/websocket"
)

type RealDialer struct{}

func (RealDialer) Dial(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return &realSocket{conn: conn}, nil
}

type realSocket struct {
	conn *websocket.Conn
}

func (s *realSocket) ReadText(ctx context.Context) (string, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *realSocket) WriteText(ctx context.Context, text string) error {
	return s.conn.Write(ctx, websocket.MessageText, []byte(text))
}

func (s *realSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

var hostPortPattern = regexp.MustCompile(`^[^/]+:\d+$`)

// WSURL normalizes a configured gateway endpoint to a ws:// or wss:// URL.
func WSURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return "ws://127.0.0.1:18789"
	}
	if strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://") {
		return u
	}
	if strings.HasPrefix(u, "http://") {
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	if hostPortPattern.MatchString(u) {
		return "ws://" + u
	}
	return u
}
