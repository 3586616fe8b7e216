package quality

import (
	"fmt"
	"math"

	"github.com/yourorg/calltrace/pkg/types"
)

// NoIssues is reported alone when every metric is within its threshold.
const NoIssues = "No quality issues detected"

const (
	minMOS        = 3.5
	maxJitterMs   = 30.0
	maxPacketLoss = 1.0
	maxRTTMs      = 300.0
)

// Summarize reduces RTCP samples into per-metric statistics and a verdict.
// It returns nil when metrics is empty.
func Summarize(metrics []types.RtcpMetric) *types.QualitySummary {
	if len(metrics) == 0 {
		return nil
	}

	var mos, jitter, loss, rtt []float64
	for _, m := range metrics {
		mos = appendValue(mos, m.MOS)
		jitter = appendValue(jitter, m.Jitter)
		loss = appendValue(loss, m.PacketLoss)
		rtt = appendValue(rtt, m.RTT)
	}

	out := &types.QualitySummary{
		MOS:         stats(mos),
		Jitter:      stats(jitter),
		PacketLoss:  stats(loss),
		RTT:         stats(rtt),
		SampleCount: len(metrics),
	}

	issues := make([]string, 0)
	if out.MOS != nil && out.MOS.Avg < minMOS {
		issues = append(issues, fmt.Sprintf("Low MOS: %.2f (threshold %.1f)", out.MOS.Avg, minMOS))
	}
	if out.Jitter != nil && out.Jitter.Avg > maxJitterMs {
		issues = append(issues, fmt.Sprintf("High jitter: %.2fms (threshold %.0fms)", out.Jitter.Avg, maxJitterMs))
	}
	if out.PacketLoss != nil && out.PacketLoss.Avg > maxPacketLoss {
		issues = append(issues, fmt.Sprintf("Packet loss: %.2f%% (threshold %.0f%%)", out.PacketLoss.Avg, maxPacketLoss))
	}
	if out.RTT != nil && out.RTT.Avg > maxRTTMs {
		issues = append(issues, fmt.Sprintf("High RTT: %.2fms (threshold %.0fms)", out.RTT.Avg, maxRTTMs))
	}

	switch len(issues) {
	case 0:
		out.OverallQuality = types.QualityGood
		issues = append(issues, NoIssues)
	case 1:
		out.OverallQuality = types.QualityFair
	default:
		out.OverallQuality = types.QualityPoor
	}
	out.Issues = issues
	return out
}

// Problems returns the threshold violations of s, without the NoIssues marker.
func Problems(s *types.QualitySummary) []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Issues))
	for _, issue := range s.Issues {
		if issue != NoIssues {
			out = append(out, issue)
		}
	}
	return out
}

func appendValue(dst []float64, v *float64) []float64 {
	if v == nil || math.IsNaN(*v) {
		return dst
	}
	return append(dst, *v)
}

func stats(values []float64) *types.MetricStats {
	if len(values) == 0 {
		return nil
	}
	s := &types.MetricStats{Min: values[0], Max: values[0], Samples: len(values)}
	sum := 0.0
	for _, v := range values {
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
		sum += v
	}
	s.Avg = math.Round(sum/float64(len(values))*100) / 100
	return s
}
