package investigate

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/calltrace/internal/quality"
	"github.com/yourorg/calltrace/internal/report"
	"github.com/yourorg/calltrace/internal/trace"
	"github.com/yourorg/calltrace/pkg/types"
)

// Source supplies the raw records of a call.
type Source interface {
	FetchTrace(ctx context.Context, callID string) ([]types.SipMessage, error)
	FetchRTCP(ctx context.Context, callID string) ([]types.RtcpMetric, error)
}

// Static is a Source backed by records already in memory. It serves the
// same records for any call id.
type Static struct {
	Messages []types.SipMessage
	Metrics  []types.RtcpMetric
}

func (s Static) FetchTrace(context.Context, string) ([]types.SipMessage, error) {
	return s.Messages, nil
}

func (s Static) FetchRTCP(context.Context, string) ([]types.RtcpMetric, error) {
	return s.Metrics, nil
}

// ProgressFunc reports investigation progress.
type ProgressFunc func(stage string)

// Investigator runs both analyzers over records pulled from a Source.
type Investigator struct {
	Source      Source
	Concurrency int
	Logger      *slog.Logger
	OnProgress  ProgressFunc

	now func() time.Time
}

// New returns an Investigator reading from src.
func New(src Source, concurrency int, logger *slog.Logger) *Investigator {
	return &Investigator{Source: src, Concurrency: concurrency, Logger: logger}
}

// Investigate fetches trace and RTCP data for callID concurrently and
// analyzes them. A failed fetch is recorded on the result; Investigate
// itself never fails.
func (iv *Investigator) Investigate(ctx context.Context, callID string) *types.Investigation {
	inv := &types.Investigation{
		ID:        uuid.NewString(),
		CallID:    callID,
		CreatedAt: iv.clock().UTC(),
	}

	var msgs []types.SipMessage
	var metrics []types.RtcpMetric
	iv.progress("fetching trace and rtcp")
	var g errgroup.Group
	g.Go(func() error {
		m, err := iv.Source.FetchTrace(ctx, callID)
		if err != nil {
			inv.TraceError = err.Error()
			iv.logFailure("trace", callID, err)
			return nil
		}
		msgs = m
		return nil
	})
	g.Go(func() error {
		m, err := iv.Source.FetchRTCP(ctx, callID)
		if err != nil {
			inv.RTCPError = err.Error()
			iv.logFailure("rtcp", callID, err)
			return nil
		}
		metrics = m
		return nil
	})
	_ = g.Wait()

	iv.progress("analyzing")
	if inv.TraceError == "" {
		inv.Trace = trace.Analyze(msgs)
	}
	if inv.RTCPError == "" {
		inv.Quality = quality.Summarize(metrics)
	}
	inv.Issues = MergeIssues(inv.Trace, inv.Quality)
	inv.Summary = report.Summary(inv)

	if iv.Logger != nil {
		iv.Logger.Info("call investigated", "call_id", callID, "issues", len(inv.Issues), "trace_error", inv.TraceError, "rtcp_error", inv.RTCPError)
	}
	return inv
}

// InvestigateMany investigates each call in its own goroutine, at most
// Concurrency at a time. Results keep the order of callIDs.
func (iv *Investigator) InvestigateMany(ctx context.Context, callIDs []string) []*types.Investigation {
	out := make([]*types.Investigation, len(callIDs))
	g, gCtx := errgroup.WithContext(ctx)
	if iv.Concurrency > 0 {
		g.SetLimit(iv.Concurrency)
	}
	for i, callID := range callIDs {
		i, callID := i, callID
		g.Go(func() error {
			out[i] = iv.Investigate(gCtx, callID)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// MergeIssues concatenates trace issues and quality threshold violations.
func MergeIssues(tr *types.TraceAnalysis, q *types.QualitySummary) []string {
	issues := make([]string, 0)
	if tr != nil {
		issues = append(issues, tr.Issues...)
	}
	return append(issues, quality.Problems(q)...)
}

func (iv *Investigator) clock() time.Time {
	if iv.now != nil {
		return iv.now()
	}
	return time.Now()
}

func (iv *Investigator) progress(stage string) {
	if iv.OnProgress != nil {
		iv.OnProgress(stage)
	}
}

func (iv *Investigator) logFailure(kind, callID string, err error) {
	if iv.Logger != nil {
		iv.Logger.Warn("fetch failed", "kind", kind, "call_id", callID, "error", err)
	}
}
