package investigate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/calltrace/pkg/types"
)

func f(v float64) *float64 { return &v }

func busyTrace(callID string) []types.SipMessage {
	return []types.SipMessage{
		{Date: "2024-05-01T10:00:00Z", CallID: callID, Method: "INVITE", SourceIP: "10.0.0.1", SourcePort: 5060, DestinationIP: "10.0.0.2", DestinationPort: 5060, Protocol: "UDP", FromUser: "1000", ToUser: "2000"},
		{Date: "2024-05-01T10:00:01Z", CallID: callID, Method: "486", ReplyReason: "Busy Here", SourceIP: "10.0.0.2", SourcePort: 5060, DestinationIP: "10.0.0.1", DestinationPort: 5060, Protocol: "UDP"},
	}
}

type fakeSource struct {
	mu       sync.Mutex
	traces   map[string][]types.SipMessage
	metrics  map[string][]types.RtcpMetric
	traceErr error
	rtcpErr  error
	calls    int
}

func (s *fakeSource) FetchTrace(_ context.Context, callID string) ([]types.SipMessage, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.traceErr != nil {
		return nil, s.traceErr
	}
	return s.traces[callID], nil
}

func (s *fakeSource) FetchRTCP(_ context.Context, callID string) ([]types.RtcpMetric, error) {
	if s.rtcpErr != nil {
		return nil, s.rtcpErr
	}
	return s.metrics[callID], nil
}

func TestInvestigateMergesIssues(t *testing.T) {
	src := Static{
		Messages: busyTrace("c1"),
		Metrics:  []types.RtcpMetric{{MOS: f(3.2)}, {MOS: f(3.8)}, {Jitter: f(40)}},
	}
	iv := New(src, 2, nil)
	iv.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	var stages []string
	iv.OnProgress = func(stage string) { stages = append(stages, stage) }

	inv := iv.Investigate(context.Background(), "c1")

	require.NotNil(t, inv.Trace)
	require.NotNil(t, inv.Quality)
	assert.NotEmpty(t, inv.ID)
	assert.Equal(t, "c1", inv.CallID)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), inv.CreatedAt)
	assert.Equal(t, []string{
		"Call failed: 486 Busy Here",
		"High jitter: 40.00ms (threshold 30ms)",
	}, inv.Issues)
	assert.Contains(t, inv.Summary, "failed with 486 Busy Here")
	assert.Contains(t, inv.Summary, "Quality: fair")
	assert.Contains(t, inv.Summary, "  2. High jitter")
	assert.Equal(t, []string{"fetching trace and rtcp", "analyzing"}, stages)
}

func TestInvestigateDropsQualitySentinel(t *testing.T) {
	src := Static{Messages: busyTrace("c1"), Metrics: []types.RtcpMetric{{MOS: f(4.4)}}}
	inv := New(src, 1, nil).Investigate(context.Background(), "c1")
	assert.Equal(t, []string{"Call failed: 486 Busy Here"}, inv.Issues)
}

func TestInvestigatePartialOnFetchError(t *testing.T) {
	src := &fakeSource{
		traces:  map[string][]types.SipMessage{"c1": busyTrace("c1")},
		rtcpErr: errors.New("rtcp backend down"),
	}
	inv := New(src, 1, nil).Investigate(context.Background(), "c1")

	require.NotNil(t, inv.Trace)
	assert.Nil(t, inv.Quality)
	assert.Empty(t, inv.TraceError)
	assert.Equal(t, "rtcp backend down", inv.RTCPError)
	assert.Equal(t, []string{"Call failed: 486 Busy Here"}, inv.Issues)
	assert.Contains(t, inv.Summary, "Quality: unavailable (rtcp backend down)")
}

func TestInvestigateTraceFailure(t *testing.T) {
	src := &fakeSource{traceErr: errors.New("timeout")}
	inv := New(src, 1, nil).Investigate(context.Background(), "c9")

	assert.Nil(t, inv.Trace)
	assert.Equal(t, "timeout", inv.TraceError)
	assert.Empty(t, inv.Issues)
	assert.True(t, strings.HasPrefix(inv.Summary, "Call c9: trace unavailable (timeout)"))
	assert.True(t, strings.HasSuffix(inv.Summary, "No issues detected"))
}

func TestInvestigateEmptyTrace(t *testing.T) {
	inv := New(Static{}, 1, nil).Investigate(context.Background(), "none")
	require.NotNil(t, inv.Trace)
	assert.True(t, inv.Trace.NoData)
	assert.Nil(t, inv.Quality)
	assert.Contains(t, inv.Summary, "No trace data available")
	assert.Contains(t, inv.Summary, "Quality: no RTCP data")
}

func TestInvestigateManyKeepsOrder(t *testing.T) {
	src := &fakeSource{traces: map[string][]types.SipMessage{}}
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		src.traces[id] = busyTrace(id)
	}

	got := New(src, 2, nil).InvestigateMany(context.Background(), ids)

	require.Len(t, got, len(ids))
	for i, inv := range got {
		assert.Equal(t, ids[i], inv.CallID)
		assert.Equal(t, ids[i], inv.Trace.CallID)
	}
	assert.Equal(t, len(ids), src.calls)
}

func TestMergeIssuesNil(t *testing.T) {
	assert.Empty(t, MergeIssues(nil, nil))
}
