package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yourorg/calltrace/internal/config"
	"github.com/yourorg/calltrace/internal/store"
	"github.com/yourorg/calltrace/pkg/types"
)

type stubSource struct {
	msgs []types.SipMessage
	err  error
}

func (s stubSource) FetchTrace(context.Context, string) ([]types.SipMessage, error) {
	return s.msgs, nil
}

func (s stubSource) FetchRTCP(context.Context, string) ([]types.RtcpMetric, error) {
	return nil, s.err
}

func newTestServer(t *testing.T, src *stubSource) (*Server, *store.SQLiteStore) {
	t.Helper()

	tmpDir := t.TempDir()
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Output.Dir = filepath.Join(tmpDir, "output")

	dbPath := filepath.Join(tmpDir, "calltrace.db")
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})

	var srv *Server
	if src != nil {
		srv, err = New(cfg, st, *src, nil)
	} else {
		srv, err = New(cfg, st, nil, nil)
	}
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, st
}

func serve(srv *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerSessionsEmpty(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := serve(srv, http.MethodGet, "/api/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var sessions []types.Session
	if err := json.NewDecoder(rec.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected empty sessions, got %d", len(sessions))
	}
}

func TestServerImportReportAndDetail(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	body, err := os.ReadFile(filepath.Join("..", "..", "testdata", "call_ok.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	rec := serve(srv, http.MethodPost, "/api/traces?description=lon+edge", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d body=%s", rec.Code, rec.Body.String())
	}
	var importResp struct {
		SessionID string `json:"session_id"`
		CallID    string `json:"call_id"`
		Messages  int    `json:"messages"`
		Metrics   int    `json:"metrics"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&importResp); err != nil {
		t.Fatalf("decode import: %v", err)
	}
	if importResp.SessionID == "" || importResp.Messages != 4 || importResp.Metrics != 3 {
		t.Fatalf("unexpected import response: %+v", importResp)
	}
	if importResp.CallID != "a84b4c76e66710@pc33.example.com" {
		t.Fatalf("unexpected call id %q", importResp.CallID)
	}

	rec = serve(srv, http.MethodGet, "/api/sessions/"+importResp.SessionID+"/report", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report status = %d body=%s", rec.Code, rec.Body.String())
	}
	var inv types.Investigation
	if err := json.NewDecoder(rec.Body).Decode(&inv); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if inv.Trace == nil || !inv.Trace.CallConnected || !inv.Trace.CallTerminated {
		t.Fatalf("expected connected call, got %+v", inv.Trace)
	}
	if inv.Trace.AnyedgeHost != "edge-lon-02" {
		t.Fatalf("unexpected edge host %q", inv.Trace.AnyedgeHost)
	}
	if inv.Quality == nil || inv.Quality.SampleCount != 3 {
		t.Fatalf("expected quality summary, got %+v", inv.Quality)
	}
	if inv.SessionID != importResp.SessionID {
		t.Fatalf("investigation not linked to session")
	}

	rec = serve(srv, http.MethodGet, "/api/sessions/"+importResp.SessionID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rec.Code)
	}
	var detail struct {
		Session        *types.Session        `json:"session"`
		Messages       []types.SipMessage    `json:"messages"`
		Investigations []types.Investigation `json:"investigations"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Session == nil || detail.Session.Status != "analyzed" || detail.Session.Description != "lon edge" {
		t.Fatalf("unexpected session: %+v", detail.Session)
	}
	if len(detail.Messages) != 4 || detail.Messages[0].Method != "INVITE" {
		t.Fatalf("unexpected messages: %d", len(detail.Messages))
	}
	if len(detail.Investigations) != 1 {
		t.Fatalf("expected 1 investigation, got %d", len(detail.Investigations))
	}

	rec = serve(srv, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	for _, want := range []string{
		`calltrace_investigations_total{origin="session"} 1`,
		"calltrace_trace_imports_total 1",
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestServerImportRejectsInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := serve(srv, http.MethodPost, "/api/traces", []byte(`"not a trace"`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestServerSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	if rec := serve(srv, http.MethodGet, "/api/sessions/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("detail status = %d", rec.Code)
	}
	if rec := serve(srv, http.MethodGet, "/api/sessions/missing/report", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("report status = %d", rec.Code)
	}
	if rec := serve(srv, http.MethodDelete, "/api/sessions/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestServerInvestigateWithoutPlatform(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := serve(srv, http.MethodPost, "/api/investigate", []byte(`{"call_id":"abc"}`))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestServerInvestigatePartialResult(t *testing.T) {
	src := &stubSource{
		msgs: []types.SipMessage{
			{Date: "2024-05-01T10:00:00Z", CallID: "abc", Method: "INVITE", SourceIP: "10.0.0.1", SourcePort: 5060, DestinationIP: "10.0.0.2", DestinationPort: 5060, Protocol: "UDP"},
			{Date: "2024-05-01T10:00:01Z", CallID: "abc", Method: "503", ReplyReason: "Service Unavailable", SourceIP: "10.0.0.2", SourcePort: 5060, DestinationIP: "10.0.0.1", DestinationPort: 5060, Protocol: "UDP"},
		},
		err: errors.New("rtcp store offline"),
	}
	srv, st := newTestServer(t, src)

	if rec := serve(srv, http.MethodPost, "/api/investigate", []byte(`{"call_id":" "}`)); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank call_id status = %d", rec.Code)
	}

	rec := serve(srv, http.MethodPost, "/api/investigate", []byte(`{"call_id":"abc"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var inv types.Investigation
	if err := json.NewDecoder(rec.Body).Decode(&inv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inv.RTCPError != "rtcp store offline" || inv.Quality != nil {
		t.Fatalf("expected rtcp failure recorded, got %+v", inv)
	}
	if len(inv.Issues) != 1 || inv.Issues[0] != "Call failed: 503 Service Unavailable" {
		t.Fatalf("unexpected issues %v", inv.Issues)
	}
	if _, err := st.GetInvestigation(inv.ID); err != nil {
		t.Fatalf("investigation not stored: %v", err)
	}

	rec = serve(srv, http.MethodGet, "/api/investigations/"+inv.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get investigation status = %d", rec.Code)
	}
	var stored types.Investigation
	if err := json.NewDecoder(rec.Body).Decode(&stored); err != nil {
		t.Fatalf("decode stored: %v", err)
	}
	if stored.ID != inv.ID || stored.Summary != inv.Summary {
		t.Fatalf("unexpected stored investigation %+v", stored)
	}
}

func TestServerInvestigationNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	if rec := serve(srv, http.MethodGet, "/api/investigations/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := serve(srv, http.MethodPost, "/api/investigations/missing", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("post status = %d", rec.Code)
	}
}

func TestServerImportReportsAllCallIDs(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	body := []byte(`[
		{"date":"2024-05-01T10:00:00Z","callid":"first@a","method":"INVITE","source_ip":"10.0.0.1","source_port":5060,"destination_ip":"10.0.0.2","destination_port":5060,"protocol":"UDP"},
		{"date":"2024-05-01T10:00:01Z","callid":"second@b","method":"INVITE","source_ip":"10.0.0.3","source_port":5060,"destination_ip":"10.0.0.2","destination_port":5060,"protocol":"UDP"},
		{"date":"2024-05-01T10:00:02Z","callid":"first@a","method":"CANCEL","source_ip":"10.0.0.1","source_port":5060,"destination_ip":"10.0.0.2","destination_port":5060,"protocol":"UDP"}
	]`)
	rec := serve(srv, http.MethodPost, "/api/traces", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		CallID   string   `json:"call_id"`
		CallIDs  []string `json:"call_ids"`
		Messages int      `json:"messages"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CallID != "first@a" || resp.Messages != 2 {
		t.Fatalf("unexpected import %+v", resp)
	}
	if len(resp.CallIDs) != 2 || resp.CallIDs[0] != "first@a" || resp.CallIDs[1] != "second@b" {
		t.Fatalf("unexpected call ids %v", resp.CallIDs)
	}
}
