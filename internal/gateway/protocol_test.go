package gateway

import "testing"

func TestSignatureString_V1WithoutNonce(t *testing.T) {
	got := SignatureString("dev-1", "gateway-client", "backend", "operator",
		[]string{"operator.admin", "operator.pairing"}, 1700000000000, "tok", "")
	want := "v1|dev-1|gateway-client|backend|operator|operator.admin,operator.pairing|1700000000000|tok"
	if got != want {
		t.Fatalf("v1 signature string:\n got %q\nwant %q", got, want)
	}
}

func TestSignatureString_V2EndsWithNonce(t *testing.T) {
	got := SignatureString("dev-1", "gateway-client", "backend", "operator",
		[]string{"operator.admin"}, 1700000000000, "", "abc")
	want := "v2|dev-1|gateway-client|backend|operator|operator.admin|1700000000000||abc"
	if got != want {
		t.Fatalf("v2 signature string:\n got %q\nwant %q", got, want)
	}
}

func TestChatMessage_TextJoinsTextParts(t *testing.T) {
	m := ChatMessage{
		Role: "assistant",
		Content: []ContentPart{
			{Type: "text", Text: "hello "},
			{Type: "image", Text: "ignored"},
			{Type: "text", Text: "world"},
		},
	}
	if got := m.Text(); got != "hello world" {
		t.Fatalf("text: %q", got)
	}
	if got := (ChatMessage{}).Text(); got != "" {
		t.Fatalf("empty message: %q", got)
	}
}

func TestWSURL_Normalization(t *testing.T) {
	cases := map[string]string{
		"":                        "ws://127.0.0.1:18789",
		"ws://gw:18789":           "ws://gw:18789",
		"wss://gw.example.com":    "wss://gw.example.com",
		"http://gw:18789":         "ws://gw:18789",
		"https://gw.example.com":  "wss://gw.example.com",
		"10.0.0.5:18789":          "ws://10.0.0.5:18789",
		"gw.internal:18789":       "ws://gw.internal:18789",
		"ws://gw.example.com/rpc": "ws://gw.example.com/rpc",
	}
	for in, want := range cases {
		if got := WSURL(in); got != want {
			t.Fatalf("WSURL(%q) = %q, want %q", in, got, want)
		}
	}
}
