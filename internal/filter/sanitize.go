package filter

import (
	"regexp"
	"strings"

	"github.com/yourorg/calltrace/internal/config"
	"github.com/yourorg/calltrace/pkg/types"
)

// SanitizeConfig is an alias of config.SanitizeConfig.
type SanitizeConfig = config.SanitizeConfig

// Sanitize redacts the values of sensitive SIP headers inside the raw
// message text. Header names match case-insensitively.
func Sanitize(msgs []types.SipMessage, cfg SanitizeConfig) []types.SipMessage {
	re := headerPattern(cfg.Headers)
	out := make([]types.SipMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if re == nil || m.Msg == "" {
			continue
		}
		out[i].Msg = re.ReplaceAllString(m.Msg, "${1}"+escapeReplacement(cfg.Replacement))
	}
	return out
}

func headerPattern(headers []string) *regexp.Regexp {
	names := make([]string, 0, len(headers))
	for _, h := range headers {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		names = append(names, regexp.QuoteMeta(h))
	}
	if len(names) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?mi)^((?:` + strings.Join(names, "|") + `)[ \t]*:[ \t]*)[^\r\n]*`)
}

func escapeReplacement(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}
