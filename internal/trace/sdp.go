package trace

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// mediaEndpoints decodes the SDP body of a raw SIP message and returns one
// "<media> <addr>:<port>" entry per media description. Messages without a
// decodable SDP body yield nothing.
func mediaEndpoints(raw string) []string {
	body := sdpBody(raw)
	if body == "" {
		return nil
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(body)); err != nil {
		return nil
	}

	sessionAddr := ""
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		sessionAddr = sd.ConnectionInformation.Address.Address
	}

	var out []string
	for _, md := range sd.MediaDescriptions {
		addr := sessionAddr
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			addr = md.ConnectionInformation.Address.Address
		}
		if addr == "" {
			continue
		}
		out = append(out, md.MediaName.Media+" "+addr+":"+strconv.Itoa(md.MediaName.Port.Value))
	}
	return out
}

// sdpBody returns the message body when it looks like SDP, normalized to
// CRLF line endings.
func sdpBody(raw string) string {
	idx := strings.Index(raw, "\r\n\r\n")
	sep := 4
	if idx == -1 {
		idx = strings.Index(raw, "\n\n")
		sep = 2
	}
	if idx == -1 {
		return ""
	}
	body := strings.TrimSpace(raw[idx+sep:])
	if !strings.HasPrefix(body, "v=") {
		return ""
	}
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	return strings.Join(lines, "\r\n") + "\r\n"
}
