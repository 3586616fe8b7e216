package trace

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/calltrace/pkg/types"
)

const (
	// NATMarker is the header the edge proxies add when they rewrote a
	// NATed contact.
	NATMarker = "X-AnyEdge-NAT"
	// EdgeHostHeader names the edge node that routed the call.
	EdgeHostHeader = "X-AnyEdge-Host"

	noDataNote = "no trace data available"

	pddWarnMs = 5000
)

var (
	rtpmapRe   = regexp.MustCompile(`a=rtpmap:\d+\s+([^/\s]+)/\d+`)
	edgeHostRe = regexp.MustCompile(`(?mi)^` + regexp.QuoteMeta(EdgeHostHeader) + `:[ \t]*([^\s;]+)`)
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

type tallyKey struct {
	method string
	src    string
	dst    string
}

// Analyze reduces an ordered call trace into a TraceAnalysis.
//
// Messages are read in the order given; the capture order is the call's
// chronology and is never re-sorted. Analyze performs no I/O and is safe
// for concurrent use.
func Analyze(msgs []types.SipMessage) *types.TraceAnalysis {
	if len(msgs) == 0 {
		return &types.TraceAnalysis{MessageCount: 0, NoData: true, Note: noDataNote}
	}

	first := msgs[0]
	out := &types.TraceAnalysis{
		MessageCount: len(msgs),
		CallID:       first.CallID,
		FromUser:     first.FromUser,
		ToUser:       first.ToUser,
		StartTime:    first.Date,
		CallFlow:     make([]types.CallFlowEntry, 0, len(msgs)),
	}

	protocols := newSet()
	participants := newSet()
	codecs := newSet()
	media := newSet()

	tally := make(map[tallyKey]int)
	tallyOrder := make([]tallyKey, 0)

	var inviteAt, ringAt, connectAt latch[time.Time]
	var edgeHost latch[string]
	var firstAt, lastAt time.Time
	var haveFirst, inviteSeen bool

	for _, m := range msgs {
		out.CallFlow = append(out.CallFlow, flowEntry(m))
		out.EndTime = m.Date

		ts, tsErr := parseTime(m.Date)
		ts = ts.Truncate(time.Millisecond)
		if tsErr != nil {
			out.MalformedTimestamps++
		} else {
			if !haveFirst {
				firstAt = ts
				haveFirst = true
			}
			lastAt = ts
		}

		if m.Protocol != "" {
			protocols.add(m.Protocol)
		}
		participants.add(endpoint(m.SourceIP, m.SourcePort))
		participants.add(endpoint(m.DestinationIP, m.DestinationPort))

		key := tallyKey{method: m.Method, src: m.SourceIP, dst: m.DestinationIP}
		if _, ok := tally[key]; !ok {
			tallyOrder = append(tallyOrder, key)
		}
		tally[key]++

		code, isResponse := statusCode(m.Method)
		switch {
		case m.Method == "INVITE":
			// only the first INVITE anchors timing, even when its date is unusable
			if !inviteSeen && tsErr == nil {
				inviteAt.set(ts)
			}
			inviteSeen = true
		case m.Method == "BYE":
			out.CallTerminated = true
		case code == 401 || code == 407:
			out.AuthRequired = true
		case code == 180 || code == 183:
			if tsErr == nil && inviteAt.ok && ringAt.set(ts) {
				out.PDDMs = millis(ts.Sub(inviteAt.v))
			}
		case code == 200:
			if tsErr == nil && inviteAt.ok && connectAt.set(ts) {
				out.CallConnected = true
				out.SetupTimeMs = millis(ts.Sub(inviteAt.v))
			}
		}
		if isResponse && code >= 400 {
			out.FinalResponse = &types.FinalResponse{Code: code, Reason: m.ReplyReason}
		}

		if m.Msg == "" {
			continue
		}
		if strings.Contains(m.Msg, NATMarker) {
			out.NATDetected = true
		}
		if !edgeHost.ok {
			if sm := edgeHostRe.FindStringSubmatch(m.Msg); sm != nil {
				edgeHost.set(sm[1])
			}
		}
		for _, sm := range rtpmapRe.FindAllStringSubmatch(m.Msg, -1) {
			codecs.add(sm[1])
		}
		for _, ep := range mediaEndpoints(m.Msg) {
			media.add(ep)
		}
	}

	out.AnyedgeHost = edgeHost.v
	out.ProtocolsUsed = protocols.slice()
	out.Participants = participants.slice()
	out.Codecs = codecs.slice()
	out.MediaEndpoints = media.slice()
	if haveFirst {
		if d := lastAt.Sub(firstAt).Milliseconds(); d > 0 {
			out.DurationMs = d
		}
	}

	out.Issues = deriveIssues(out, tally, tallyOrder)
	return out
}

func deriveIssues(a *types.TraceAnalysis, tally map[tallyKey]int, order []tallyKey) []string {
	issues := make([]string, 0)
	if a.PDDMs != nil && *a.PDDMs > pddWarnMs {
		issues = append(issues, fmt.Sprintf("High Post-Dial Delay: %dms (threshold %dms)", *a.PDDMs, pddWarnMs))
	}
	if !a.CallConnected && a.FinalResponse != nil {
		issues = append(issues, fmt.Sprintf("Call failed: %d %s", a.FinalResponse.Code, a.FinalResponse.Reason))
	}
	for _, k := range order {
		n := tally[k]
		if n > 1 && strings.HasPrefix(k.method, "INVITE") {
			issues = append(issues, fmt.Sprintf("Retransmission detected: %s sent %d times from %s to %s", k.method, n, k.src, k.dst))
		}
	}
	if a.NATDetected {
		issues = append(issues, "NAT detected: check far-end NAT traversal (rport/received, symmetric RTP)")
	}
	return issues
}

func flowEntry(m types.SipMessage) types.CallFlowEntry {
	return types.CallFlowEntry{
		Timestamp:   m.Date,
		Label:       Label(m.Method, m.ReplyReason),
		Source:      endpoint(m.SourceIP, m.SourcePort),
		Destination: endpoint(m.DestinationIP, m.DestinationPort),
		FromUser:    m.FromUser,
		ToUser:      m.ToUser,
		Protocol:    m.Protocol,
		DeltaMs:     math.Round(m.Delta/1000*10) / 10,
	}
}

// Label renders a request method or a response code with its reason.
func Label(method, reason string) string {
	if _, ok := statusCode(method); ok && reason != "" {
		return method + " " + reason
	}
	return method
}

func statusCode(method string) (int, bool) {
	if len(method) != 3 {
		return 0, false
	}
	code, err := strconv.Atoi(method)
	if err != nil || code < 100 {
		return 0, false
	}
	return code, true
}

func endpoint(ip string, port int) string {
	return ip + ":" + strconv.Itoa(port)
}

func parseTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func millis(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

// latch holds the first value it is given.
type latch[T any] struct {
	v  T
	ok bool
}

func (l *latch[T]) set(v T) bool {
	if l.ok {
		return false
	}
	l.v, l.ok = v, true
	return true
}

type set map[string]struct{}

func newSet() set { return make(set) }

func (s set) add(v string) { s[v] = struct{}{} }

func (s set) slice() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
