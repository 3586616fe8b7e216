package types

import "errors"

// ErrInvalidInput is returned when records handed to the analyzers are not
// a sequence of the expected shape.
var ErrInvalidInput = errors.New("invalid input")

// SipMessage is one captured SIP packet as delivered by the capture platform.
type SipMessage struct {
	ID              int64   `json:"id"`
	Date            string  `json:"date"`
	CallID          string  `json:"callid"`
	Method          string  `json:"method"`
	ReplyReason     string  `json:"reply_reason,omitempty"`
	SourceIP        string  `json:"source_ip"`
	SourcePort      int     `json:"source_port"`
	DestinationIP   string  `json:"destination_ip"`
	DestinationPort int     `json:"destination_port"`
	Protocol        string  `json:"protocol"`
	Msg             string  `json:"msg,omitempty"`
	Delta           float64 `json:"delta,omitempty"`
	FromUser        string  `json:"from_user,omitempty"`
	ToUser          string  `json:"to_user,omitempty"`
}

// CallFlowEntry is the rendered form of one message in the call ladder.
type CallFlowEntry struct {
	Timestamp   string  `json:"timestamp" yaml:"timestamp"`
	Label       string  `json:"label" yaml:"label"`
	Source      string  `json:"source" yaml:"source"`
	Destination string  `json:"destination" yaml:"destination"`
	FromUser    string  `json:"from_user,omitempty" yaml:"from_user,omitempty"`
	ToUser      string  `json:"to_user,omitempty" yaml:"to_user,omitempty"`
	Protocol    string  `json:"protocol" yaml:"protocol"`
	DeltaMs     float64 `json:"delta_ms" yaml:"delta_ms"`
}

// FinalResponse is a SIP failure response (code >= 400).
type FinalResponse struct {
	Code   int    `json:"code" yaml:"code"`
	Reason string `json:"reason" yaml:"reason"`
}

// TraceAnalysis summarizes the signaling of one call.
// When NoData is set only MessageCount and Note are meaningful.
type TraceAnalysis struct {
	MessageCount        int             `json:"message_count" yaml:"message_count"`
	NoData              bool            `json:"no_data,omitempty" yaml:"no_data,omitempty"`
	Note                string          `json:"note,omitempty" yaml:"note,omitempty"`
	CallID              string          `json:"call_id,omitempty" yaml:"call_id,omitempty"`
	FromUser            string          `json:"from_user,omitempty" yaml:"from_user,omitempty"`
	ToUser              string          `json:"to_user,omitempty" yaml:"to_user,omitempty"`
	StartTime           string          `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime             string          `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	DurationMs          int64           `json:"duration_ms" yaml:"duration_ms"`
	CallConnected       bool            `json:"call_connected" yaml:"call_connected"`
	CallTerminated      bool            `json:"call_terminated" yaml:"call_terminated"`
	FinalResponse       *FinalResponse  `json:"final_response" yaml:"final_response"`
	PDDMs               *int64          `json:"pdd_ms" yaml:"pdd_ms"`
	SetupTimeMs         *int64          `json:"setup_time_ms" yaml:"setup_time_ms"`
	AuthRequired        bool            `json:"auth_required" yaml:"auth_required"`
	NATDetected         bool            `json:"nat_detected" yaml:"nat_detected"`
	AnyedgeHost         string          `json:"anyedge_host,omitempty" yaml:"anyedge_host,omitempty"`
	ProtocolsUsed       []string        `json:"protocols_used" yaml:"protocols_used"`
	Participants        []string        `json:"participants" yaml:"participants"`
	Codecs              []string        `json:"codecs" yaml:"codecs"`
	MediaEndpoints      []string        `json:"media_endpoints,omitempty" yaml:"media_endpoints,omitempty"`
	MalformedTimestamps int             `json:"malformed_timestamps,omitempty" yaml:"malformed_timestamps,omitempty"`
	CallFlow            []CallFlowEntry `json:"call_flow" yaml:"call_flow"`
	Issues              []string        `json:"issues" yaml:"issues"`
}

// RtcpMetric is one RTCP sampling interval. Absent values are nil.
type RtcpMetric struct {
	MOS        *float64 `json:"mos"`
	Jitter     *float64 `json:"jitter"`
	PacketLoss *float64 `json:"packet_loss"`
	RTT        *float64 `json:"rtt"`
}

// MetricStats aggregates the samples of one RTCP field.
type MetricStats struct {
	Min     float64 `json:"min" yaml:"min"`
	Max     float64 `json:"max" yaml:"max"`
	Avg     float64 `json:"avg" yaml:"avg"`
	Samples int     `json:"samples" yaml:"samples"`
}

// Quality verdicts.
const (
	QualityGood = "good"
	QualityFair = "fair"
	QualityPoor = "poor"
)

// QualitySummary is the reduced view of a call's RTCP samples.
type QualitySummary struct {
	MOS            *MetricStats `json:"mos" yaml:"mos"`
	Jitter         *MetricStats `json:"jitter" yaml:"jitter"`
	PacketLoss     *MetricStats `json:"packet_loss" yaml:"packet_loss"`
	RTT            *MetricStats `json:"rtt" yaml:"rtt"`
	OverallQuality string       `json:"overall_quality" yaml:"overall_quality"`
	Issues         []string     `json:"issues" yaml:"issues"`
	SampleCount    int          `json:"sample_count" yaml:"sample_count"`
}
