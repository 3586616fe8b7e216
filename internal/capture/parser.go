package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/yourorg/calltrace/pkg/types"
)

// Capture is the content of one exported call: its SIP messages in capture
// order and its RTCP samples.
type Capture struct {
	Messages []types.SipMessage `json:"messages"`
	Metrics  []types.RtcpMetric `json:"rtcp"`
}

type envelope struct {
	Messages json.RawMessage `json:"messages"`
	RTCP     json.RawMessage `json:"rtcp"`
	Data     json.RawMessage `json:"data"`
}

// ParseFile reads an export file. The file is either a bare JSON array of
// SIP messages or an object with "messages" and "rtcp" arrays.
func ParseFile(filePath string) (*Capture, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses an export document.
func Decode(data []byte) (*Capture, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", types.ErrInvalidInput)
	}
	if data[0] == '[' {
		msgs, err := DecodeMessages(data)
		if err != nil {
			return nil, err
		}
		return &Capture{Messages: msgs}, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}
	out := &Capture{}
	msgRaw := env.Messages
	if len(msgRaw) == 0 {
		msgRaw = env.Data
	}
	if len(msgRaw) > 0 {
		msgs, err := DecodeMessages(msgRaw)
		if err != nil {
			return nil, fmt.Errorf("messages: %w", err)
		}
		out.Messages = msgs
	}
	if len(env.RTCP) > 0 {
		metrics, err := DecodeMetrics(env.RTCP)
		if err != nil {
			return nil, fmt.Errorf("rtcp: %w", err)
		}
		out.Metrics = metrics
	}
	return out, nil
}

// DecodeMessages decodes a JSON array of SIP messages and completes missing
// fields from the raw message text. A JSON null is an empty trace; any
// other non-array value is rejected with types.ErrInvalidInput.
func DecodeMessages(data []byte) ([]types.SipMessage, error) {
	var msgs []types.SipMessage
	if err := decodeArray(data, &msgs); err != nil {
		return nil, err
	}
	return Normalize(msgs), nil
}

// DecodeMetrics decodes a JSON array of RTCP samples.
func DecodeMetrics(data []byte) ([]types.RtcpMetric, error) {
	var metrics []types.RtcpMetric
	if err := decodeArray(data, &metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

func decodeArray(data []byte, out interface{}) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) == 0 || data[0] != '[' {
		return fmt.Errorf("%w: expected a JSON array", types.ErrInvalidInput)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}
	return nil
}
