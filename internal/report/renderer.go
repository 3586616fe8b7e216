package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/calltrace/pkg/types"
)

// Render writes inv in each of formats ("markdown", "yaml") under outputDir.
func Render(inv *types.Investigation, outputDir string, formats []string) error {
	for _, format := range formats {
		switch format {
		case "markdown":
			if err := RenderMarkdown(inv, outputDir); err != nil {
				return err
			}
		case "yaml":
			if err := RenderYAML(inv, outputDir); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown output format %q", format)
		}
	}
	return nil
}

// RenderMarkdown renders <call>.md with the summary and the call ladder.
func RenderMarkdown(inv *types.Investigation, outputDir string) error {
	if inv == nil {
		return fmt.Errorf("investigation is nil")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	md := &strings.Builder{}
	fmt.Fprintf(md, "# Call %s\n\n", inv.CallID)
	fmt.Fprintln(md, "## Summary")
	fmt.Fprintln(md)
	fmt.Fprintln(md, "```")
	fmt.Fprintln(md, Summary(inv))
	fmt.Fprintln(md, "```")

	if tr := inv.Trace; tr != nil && !tr.NoData {
		fmt.Fprintln(md, "\n## Signaling")
		fmt.Fprintf(md, "- Protocols: %s\n", strings.Join(sorted(tr.ProtocolsUsed), ", "))
		fmt.Fprintf(md, "- Participants: %s\n", strings.Join(sorted(tr.Participants), ", "))
		if tr.AnyedgeHost != "" {
			fmt.Fprintf(md, "- Edge host: %s\n", tr.AnyedgeHost)
		}
		if len(tr.MediaEndpoints) > 0 {
			fmt.Fprintf(md, "- Media: %s\n", strings.Join(sorted(tr.MediaEndpoints), ", "))
		}
		fmt.Fprintf(md, "- Auth challenged: %t, NAT: %t\n", tr.AuthRequired, tr.NATDetected)

		fmt.Fprintln(md, "\n## Call Flow")
		fmt.Fprintln(md)
		fmt.Fprintln(md, "| # | Time | Message | From | To | Transport | Δ ms |")
		fmt.Fprintln(md, "|---|------|---------|------|----|-----------|------|")
		for i, e := range tr.CallFlow {
			fmt.Fprintf(md, "| %d | %s | %s | %s | %s | %s | %.1f |\n", i+1, e.Timestamp, e.Label, e.Source, e.Destination, e.Protocol, e.DeltaMs)
		}
	}

	if q := inv.Quality; q != nil {
		fmt.Fprintln(md, "\n## Media Quality")
		fmt.Fprintln(md)
		fmt.Fprintln(md, "| Metric | Min | Max | Avg | Samples |")
		fmt.Fprintln(md, "|--------|-----|-----|-----|---------|")
		writeStatsRow(md, "MOS", q.MOS)
		writeStatsRow(md, "Jitter (ms)", q.Jitter)
		writeStatsRow(md, "Packet loss (%)", q.PacketLoss)
		writeStatsRow(md, "RTT (ms)", q.RTT)
	}

	return os.WriteFile(filepath.Join(outputDir, fileBase(inv)+".md"), []byte(md.String()), 0o644)
}

// RenderYAML renders <call>.yaml with the full investigation.
func RenderYAML(inv *types.Investigation, outputDir string) error {
	if inv == nil {
		return fmt.Errorf("investigation is nil")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	out, err := yaml.Marshal(inv)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, fileBase(inv)+".yaml"), out, 0o644)
}

func writeStatsRow(b *strings.Builder, name string, s *types.MetricStats) {
	if s == nil {
		fmt.Fprintf(b, "| %s | - | - | - | 0 |\n", name)
		return
	}
	fmt.Fprintf(b, "| %s | %.2f | %.2f | %.2f | %d |\n", name, s.Min, s.Max, s.Avg, s.Samples)
}

// fileBase turns a Call-ID into a safe file name.
func fileBase(inv *types.Investigation) string {
	name := inv.CallID
	if name == "" {
		name = inv.ID
	}
	if name == "" {
		return "report"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
