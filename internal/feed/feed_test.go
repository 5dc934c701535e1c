package feed

import (
	"testing"

	"github.com/shipdesk/inboxsync/internal/chat"
)

func TestDecodeChange(t *testing.T) {
	body := []byte(`{"op":"update","table":"messages","row":{"id":"m1","body":"hi"}}`)
	c, err := DecodeChange(body)
	if err != nil {
		t.Fatal(err)
	}
	if c.Op != chat.OpUpdate || c.Table != chat.TableMessages {
		t.Fatalf("decoded %+v", c)
	}
	if c.Row["id"] != "m1" {
		t.Errorf("row = %v", c.Row)
	}
	if got := c.EventKind(); got != "change.messages.update" {
		t.Errorf("event kind = %q", got)
	}
}

func TestDecodeChangeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"bad json":      `{`,
		"unknown op":    `{"op":"upsert","table":"messages","row":{"id":"m1"}}`,
		"unknown table": `{"op":"insert","table":"users","row":{"id":"u1"}}`,
		"missing row":   `{"op":"insert","table":"messages"}`,
	}
	for name, body := range cases {
		if _, err := DecodeChange([]byte(body)); err == nil {
			t.Errorf("%s: expected decode error", name)
		}
	}
}
