package report

import (
	"fmt"
	"strings"

	"github.com/yourorg/calltrace/pkg/types"
)

// Summary renders the human-readable multi-line digest of an investigation.
func Summary(inv *types.Investigation) string {
	if inv == nil {
		return ""
	}
	b := &strings.Builder{}
	tr := inv.Trace

	switch {
	case tr == nil:
		fmt.Fprintf(b, "Call %s: trace unavailable", inv.CallID)
		if inv.TraceError != "" {
			fmt.Fprintf(b, " (%s)", inv.TraceError)
		}
		b.WriteString("\n")
	case tr.NoData:
		fmt.Fprintf(b, "Call %s: No trace data available\n", inv.CallID)
	default:
		fmt.Fprintf(b, "Call: %s -> %s (Call-ID %s, %d messages)\n", orUnknown(tr.FromUser), orUnknown(tr.ToUser), tr.CallID, tr.MessageCount)
		fmt.Fprintf(b, "Status: %s\n", status(tr))
		fmt.Fprintf(b, "Setup time: %s, PDD: %s\n", msOrNA(tr.SetupTimeMs), msOrNA(tr.PDDMs))
		if len(tr.Codecs) > 0 {
			fmt.Fprintf(b, "Codecs: %s\n", strings.Join(sorted(tr.Codecs), ", "))
		} else {
			b.WriteString("Codecs: none negotiated\n")
		}
	}

	switch {
	case inv.Quality != nil:
		fmt.Fprintf(b, "Quality: %s (%d RTCP samples)\n", inv.Quality.OverallQuality, inv.Quality.SampleCount)
	case inv.RTCPError != "":
		fmt.Fprintf(b, "Quality: unavailable (%s)\n", inv.RTCPError)
	default:
		b.WriteString("Quality: no RTCP data\n")
	}

	if len(inv.Issues) == 0 {
		b.WriteString("No issues detected")
		return b.String()
	}
	b.WriteString("Issues:")
	for i, issue := range inv.Issues {
		fmt.Fprintf(b, "\n  %d. %s", i+1, issue)
	}
	return b.String()
}

func status(tr *types.TraceAnalysis) string {
	switch {
	case tr.CallConnected && tr.CallTerminated:
		return fmt.Sprintf("connected, terminated normally after %s", formatMs(tr.DurationMs))
	case tr.CallConnected:
		return "connected, no BYE captured"
	case tr.FinalResponse != nil:
		return fmt.Sprintf("failed with %d %s", tr.FinalResponse.Code, tr.FinalResponse.Reason)
	default:
		return "not connected, no final response captured"
	}
}

func msOrNA(v *int64) string {
	if v == nil {
		return "n/a"
	}
	return formatMs(*v)
}

func formatMs(ms int64) string {
	if ms >= 1000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	return fmt.Sprintf("%dms", ms)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
