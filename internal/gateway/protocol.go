package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Wire framing: one JSON envelope per WebSocket text message.
//
//	{"type":"req","id":"...","method":"...","params":{...}}
//	{"type":"res","id":"...","ok":true,"payload":{...}}
//	{"type":"res","id":"...","ok":false,"error":{"message":"..."}}
//	{"type":"event","event":"...","payload":{...}}
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type FrameError struct {
	Message string `json:"message"`
}

func MustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

type ClientInfo struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

type DeviceAuth struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes"`
	Caps        []string   `json:"caps"`
	Auth        AuthParams `json:"auth"`
	Device      DeviceAuth `json:"device"`
	UserAgent   string     `json:"userAgent"`
	Locale      string     `json:"locale"`
}

type AuthParams struct {
	Token string `json:"token"`
}

type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Deliver        bool   `json:"deliver"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

type ChatHistoryPayload struct {
	Messages []ChatMessage `json:"messages"`
}

type ChatMessage struct {
	Role      string        `json:"role"`
	Content   []ContentPart `json:"content"`
	Timestamp int64         `json:"timestamp"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Text joins the message's text parts.
func (m ChatMessage) Text() string {
	var b strings.Builder
	for _, p := range m.Content {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// SignatureString builds the canonical string the device key signs during the
// connect handshake. The version tag is "v2" when a challenge nonce is
// present, "v1" otherwise; in v2 the nonce is the final field, which binds the
// signature to the server's challenge and defeats replay.
func SignatureString(deviceID, clientID, clientMode, role string, scopes []string, signedAtMs int64, token, nonce string) string {
	version := "v1"
	if nonce != "" {
		version = "v2"
	}
	parts := []string{
		version,
		deviceID,
		clientID,
		clientMode,
		role,
		strings.Join(scopes, ","),
		strconv.FormatInt(signedAtMs, 10),
		token,
	}
	if version == "v2" {
		parts = append(parts, nonce)
	}
	return strings.Join(parts, "|")
}
