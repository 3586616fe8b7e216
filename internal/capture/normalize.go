package capture

import (
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/yourorg/calltrace/pkg/types"
)

type dialogHeaders interface {
	CallID() *sip.CallIDHeader
	From() *sip.FromHeader
	To() *sip.ToHeader
}

// Normalize fills method, reply reason, Call-ID and user parts that the
// capture platform left empty, reading them from the raw SIP text. Records
// keep their order; fields already set are never overwritten.
func Normalize(msgs []types.SipMessage) []types.SipMessage {
	if len(msgs) == 0 {
		return msgs
	}
	parser := sip.NewParser()
	out := make([]types.SipMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if !needsParse(m) {
			continue
		}
		parsed, err := parser.ParseSIP([]byte(crlf(m.Msg)))
		if err != nil {
			continue
		}
		fill(&out[i], parsed)
	}
	return out
}

func needsParse(m types.SipMessage) bool {
	if strings.TrimSpace(m.Msg) == "" {
		return false
	}
	return m.Method == "" || m.CallID == "" || m.FromUser == "" || m.ToUser == ""
}

func fill(m *types.SipMessage, parsed sip.Message) {
	var hdrs dialogHeaders
	switch v := parsed.(type) {
	case *sip.Request:
		if m.Method == "" {
			m.Method = string(v.Method)
		}
		hdrs = v
	case *sip.Response:
		if m.Method == "" {
			m.Method = strconv.Itoa(int(v.StatusCode))
		}
		if m.ReplyReason == "" {
			m.ReplyReason = v.Reason
		}
		hdrs = v
	default:
		return
	}

	if h := hdrs.CallID(); h != nil && m.CallID == "" {
		m.CallID = h.Value()
	}
	if h := hdrs.From(); h != nil && m.FromUser == "" {
		m.FromUser = h.Address.User
	}
	if h := hdrs.To(); h != nil && m.ToUser == "" {
		m.ToUser = h.Address.User
	}
}

func crlf(raw string) string {
	if strings.Contains(raw, "\r\n") {
		return raw
	}
	return strings.ReplaceAll(raw, "\n", "\r\n")
}
