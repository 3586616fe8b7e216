package capture

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/yourorg/calltrace/pkg/types"
)

func TestParseFileEnvelope(t *testing.T) {
	c, err := ParseFile(filepath.Join("..", "..", "testdata", "call_ok.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(c.Messages))
	}
	if c.Messages[1].Method != "180" || c.Messages[1].ReplyReason != "Ringing" {
		t.Fatalf("unexpected second message: %+v", c.Messages[1])
	}
	if len(c.Metrics) != 3 {
		t.Fatalf("expected 3 rtcp samples, got %d", len(c.Metrics))
	}
	if c.Metrics[2].Jitter != nil {
		t.Fatalf("expected null jitter to stay nil")
	}
}

func TestParseFileNormalizesRawMessages(t *testing.T) {
	c, err := ParseFile(filepath.Join("..", "..", "testdata", "raw_only.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Messages) != 1 {
		t.Fatalf("expected 1 message")
	}
	m := c.Messages[0]
	if m.Method != "486" || m.ReplyReason != "Busy Here" {
		t.Fatalf("expected 486 Busy Here, got %q %q", m.Method, m.ReplyReason)
	}
	if m.CallID != "busy-1@192.0.2.10" {
		t.Fatalf("unexpected call id %q", m.CallID)
	}
	if m.FromUser != "1001" || m.ToUser != "2002" {
		t.Fatalf("unexpected users %q -> %q", m.FromUser, m.ToUser)
	}
}

func TestParseFileEmpty(t *testing.T) {
	c, err := ParseFile(filepath.Join("..", "..", "testdata", "empty.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Messages) != 0 {
		t.Fatalf("expected empty capture")
	}
}

func TestParseFileMissing(t *testing.T) {
	_, err := ParseFile(filepath.Join("..", "..", "testdata", "not-exist.json"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestDecodeRejectsNonArrays(t *testing.T) {
	for _, in := range []string{`{"id":1}`, `"INVITE"`, `42`} {
		if _, err := DecodeMessages([]byte(in)); !errors.Is(err, types.ErrInvalidInput) {
			t.Fatalf("DecodeMessages(%s): expected ErrInvalidInput, got %v", in, err)
		}
		if _, err := DecodeMetrics([]byte(in)); !errors.Is(err, types.ErrInvalidInput) {
			t.Fatalf("DecodeMetrics(%s): expected ErrInvalidInput, got %v", in, err)
		}
	}
	if _, err := Decode([]byte(`{"messages":{"id":1}}`)); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("expected nested ErrInvalidInput, got %v", err)
	}
}

func TestDecodeNullIsEmpty(t *testing.T) {
	msgs, err := DecodeMessages([]byte("null"))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages")
	}
}

func TestNormalizeKeepsExistingFields(t *testing.T) {
	in := []types.SipMessage{{
		Method: "INVITE",
		CallID: "given",
		Msg:    "INVITE sip:2@b SIP/2.0\nVia: SIP/2.0/UDP a:5060;branch=z9hG4bK2\nFrom: <sip:1@a>;tag=x\nTo: <sip:2@b>\nCall-ID: parsed\nCSeq: 1 INVITE\nContent-Length: 0\n\n",
	}}
	out := Normalize(in)
	if out[0].CallID != "given" {
		t.Fatalf("call id overwritten: %q", out[0].CallID)
	}
	if out[0].FromUser != "1" || out[0].ToUser != "2" {
		t.Fatalf("expected users filled, got %q %q", out[0].FromUser, out[0].ToUser)
	}
	if in[0].FromUser != "" {
		t.Fatalf("input slice must not be modified")
	}
}
