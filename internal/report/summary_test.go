package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/calltrace/pkg/types"
)

func i64(v int64) *int64 { return &v }

func connectedInvestigation() *types.Investigation {
	return &types.Investigation{
		ID:     "inv-1",
		CallID: "abc@host",
		Trace: &types.TraceAnalysis{
			MessageCount:   5,
			CallID:         "abc@host",
			FromUser:       "1000",
			ToUser:         "2000",
			CallConnected:  true,
			CallTerminated: true,
			DurationMs:     61400,
			PDDMs:          i64(1000),
			SetupTimeMs:    i64(1400),
			Codecs:         []string{"PCMU", "G729"},
			ProtocolsUsed:  []string{"UDP"},
			Participants:   []string{"10.0.0.1:5060", "10.0.0.2:5060"},
			CallFlow: []types.CallFlowEntry{
				{Timestamp: "t0", Label: "INVITE", Source: "10.0.0.1:5060", Destination: "10.0.0.2:5060", Protocol: "UDP"},
			},
		},
		Quality: &types.QualitySummary{
			MOS:            &types.MetricStats{Min: 4, Max: 4.4, Avg: 4.2, Samples: 2},
			OverallQuality: types.QualityGood,
			Issues:         []string{"No quality issues detected"},
			SampleCount:    2,
		},
		Issues: []string{},
	}
}

func TestSummaryConnectedCall(t *testing.T) {
	got := Summary(connectedInvestigation())
	want := strings.Join([]string{
		"Call: 1000 -> 2000 (Call-ID abc@host, 5 messages)",
		"Status: connected, terminated normally after 61.4s",
		"Setup time: 1.4s, PDD: 1.0s",
		"Codecs: G729, PCMU",
		"Quality: good (2 RTCP samples)",
		"No issues detected",
	}, "\n")
	assert.Equal(t, want, got)
}

func TestSummaryNumberedIssues(t *testing.T) {
	inv := &types.Investigation{
		CallID: "x",
		Trace: &types.TraceAnalysis{
			MessageCount:  1,
			CallID:        "x",
			FinalResponse: &types.FinalResponse{Code: 486, Reason: "Busy Here"},
		},
		Issues: []string{"Call failed: 486 Busy Here", "NAT detected"},
	}
	got := Summary(inv)
	assert.Contains(t, got, "Status: failed with 486 Busy Here")
	assert.Contains(t, got, "Setup time: n/a, PDD: n/a")
	assert.Contains(t, got, "Codecs: none negotiated")
	assert.Contains(t, got, "Issues:\n  1. Call failed: 486 Busy Here\n  2. NAT detected")
}

func TestRenderWritesFiles(t *testing.T) {
	dir := t.TempDir()
	inv := connectedInvestigation()
	require.NoError(t, Render(inv, dir, []string{"markdown", "yaml"}))

	md, err := os.ReadFile(filepath.Join(dir, "abc_host.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "# Call abc@host")
	assert.Contains(t, string(md), "| 1 | t0 | INVITE | 10.0.0.1:5060 | 10.0.0.2:5060 | UDP | 0.0 |")
	assert.Contains(t, string(md), "| MOS | 4.00 | 4.40 | 4.20 | 2 |")
	assert.Contains(t, string(md), "| Jitter (ms) | - | - | - | 0 |")

	raw, err := os.ReadFile(filepath.Join(dir, "abc_host.yaml"))
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(raw, &decoded))
	assert.Equal(t, "abc@host", decoded["call_id"])
}

func TestRenderUnknownFormat(t *testing.T) {
	assert.Error(t, Render(connectedInvestigation(), t.TempDir(), []string{"pdf"}))
}
