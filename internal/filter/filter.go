package filter

import (
	"strings"

	"github.com/yourorg/calltrace/internal/config"
	"github.com/yourorg/calltrace/pkg/types"
)

// FilterConfig is an alias of config.FilterConfig.
type FilterConfig = config.FilterConfig

// Apply keeps the messages of a single call and drops ignored methods.
// The Call-ID is cfg.CallID, or the first message's when that is empty.
// Capture order is preserved.
func Apply(msgs []types.SipMessage, cfg FilterConfig) []types.SipMessage {
	if len(msgs) == 0 {
		return msgs
	}
	callID := strings.TrimSpace(cfg.CallID)
	if callID == "" {
		callID = firstCallID(msgs)
	}
	ignored := toUpperSet(cfg.IgnoreMethods)

	filtered := make([]types.SipMessage, 0, len(msgs))
	for _, m := range msgs {
		if callID != "" && m.CallID != "" && m.CallID != callID {
			continue
		}
		if _, ok := ignored[strings.ToUpper(m.Method)]; ok {
			continue
		}
		filtered = append(filtered, m)
	}
	return filtered
}

// CallIDs lists the distinct Call-IDs of msgs in first-seen order.
func CallIDs(msgs []types.SipMessage) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, m := range msgs {
		if m.CallID == "" {
			continue
		}
		if _, ok := seen[m.CallID]; ok {
			continue
		}
		seen[m.CallID] = struct{}{}
		out = append(out, m.CallID)
	}
	return out
}

func firstCallID(msgs []types.SipMessage) string {
	for _, m := range msgs {
		if m.CallID != "" {
			return m.CallID
		}
	}
	return ""
}

func toUpperSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, v := range items {
		v = strings.TrimSpace(strings.ToUpper(v))
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}
