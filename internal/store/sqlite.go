package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourorg/calltrace/pkg/types"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			call_id TEXT NOT NULL,
			description TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			metric_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sip_messages (
			row_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id INTEGER NOT NULL,
			date TEXT NOT NULL,
			call_id TEXT NOT NULL,
			method TEXT NOT NULL,
			reply_reason TEXT NOT NULL,
			source_ip TEXT NOT NULL,
			source_port INTEGER NOT NULL,
			destination_ip TEXT NOT NULL,
			destination_port INTEGER NOT NULL,
			protocol TEXT NOT NULL,
			msg TEXT NOT NULL,
			delta REAL NOT NULL,
			from_user TEXT NOT NULL,
			to_user TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sip_messages_session ON sip_messages(session_id, seq);`,
		`CREATE TABLE IF NOT EXISTS rtcp_metrics (
			row_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			mos REAL,
			jitter REAL,
			packet_loss REAL,
			rtt REAL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rtcp_metrics_session ON rtcp_metrics(session_id, seq);`,
		`CREATE TABLE IF NOT EXISTS investigations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			result TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_investigations_session ON investigations(session_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) CreateSession(source, callID, description string) (*types.Session, error) {
	now := time.Now().UTC()
	id, err := s.nextSessionID(now)
	if err != nil {
		return nil, err
	}
	sess := &types.Session{ID: id, Source: source, CallID: callID, Description: description, Status: "imported", CreatedAt: now, UpdatedAt: now}
	_, err = s.db.Exec(`INSERT INTO sessions(id,source,call_id,description,message_count,metric_count,status,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.Source, sess.CallID, sess.Description, sess.MessageCount, sess.MetricCount, sess.Status, sess.CreatedAt, sess.UpdatedAt)
	return sess, err
}

func (s *SQLiteStore) nextSessionID(now time.Time) (string, error) {
	prefix := fmt.Sprintf("call_%s_", now.Format("20060102"))
	rows, err := s.db.Query(`SELECT id FROM sessions WHERE id LIKE ?`, prefix+"%")
	if err != nil {
		return "", err
	}
	defer rows.Close()
	maxN := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		var n int
		_, _ = fmt.Sscanf(id, prefix+"%03d", &n)
		if n > maxN {
			maxN = n
		}
	}
	return fmt.Sprintf("%s%03d", prefix, maxN+1), rows.Err()
}

const sessionColumns = `id,source,call_id,description,message_count,metric_count,status,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*types.Session, error) {
	var out types.Session
	if err := r.Scan(&out.ID, &out.Source, &out.CallID, &out.Description, &out.MessageCount, &out.MetricCount, &out.Status, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SQLiteStore) GetSession(id string) (*types.Session, error) {
	sess, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, err
}

func (s *SQLiteStore) UpdateSessionStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE sessions SET status=?, updated_at=? WHERE id=?`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListSessions() ([]types.Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM sip_messages WHERE session_id=?`,
		`DELETE FROM rtcp_metrics WHERE session_id=?`,
		`DELETE FROM investigations WHERE session_id=?`,
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return err
		}
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// SaveMessages appends msgs to the session, continuing its sequence so that
// capture order survives multiple saves.
func (s *SQLiteStore) SaveMessages(sessionID string, msgs []types.SipMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var base int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq),0) FROM sip_messages WHERE session_id=?`, sessionID).Scan(&base); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO sip_messages(session_id,seq,id,date,call_id,method,reply_reason,source_ip,source_port,destination_ip,destination_port,protocol,msg,delta,from_user,to_user) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, m := range msgs {
		if _, err := stmt.Exec(sessionID, base+i+1, m.ID, m.Date, m.CallID, m.Method, m.ReplyReason, m.SourceIP, m.SourcePort, m.DestinationIP, m.DestinationPort, m.Protocol, m.Msg, m.Delta, m.FromUser, m.ToUser); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`UPDATE sessions SET message_count=message_count+?, updated_at=? WHERE id=?`, len(msgs), time.Now().UTC(), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetMessages(sessionID string) ([]types.SipMessage, error) {
	rows, err := s.db.Query(`SELECT id,date,call_id,method,reply_reason,source_ip,source_port,destination_ip,destination_port,protocol,msg,delta,from_user,to_user FROM sip_messages WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.SipMessage, 0)
	for rows.Next() {
		var m types.SipMessage
		if err := rows.Scan(&m.ID, &m.Date, &m.CallID, &m.Method, &m.ReplyReason, &m.SourceIP, &m.SourcePort, &m.DestinationIP, &m.DestinationPort, &m.Protocol, &m.Msg, &m.Delta, &m.FromUser, &m.ToUser); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveMetrics(sessionID string, metrics []types.RtcpMetric) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var base int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq),0) FROM rtcp_metrics WHERE session_id=?`, sessionID).Scan(&base); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO rtcp_metrics(session_id,seq,mos,jitter,packet_loss,rtt) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, m := range metrics {
		if _, err := stmt.Exec(sessionID, base+i+1, nullFloat(m.MOS), nullFloat(m.Jitter), nullFloat(m.PacketLoss), nullFloat(m.RTT)); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`UPDATE sessions SET metric_count=metric_count+?, updated_at=? WHERE id=?`, len(metrics), time.Now().UTC(), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetMetrics(sessionID string) ([]types.RtcpMetric, error) {
	rows, err := s.db.Query(`SELECT mos,jitter,packet_loss,rtt FROM rtcp_metrics WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.RtcpMetric, 0)
	for rows.Next() {
		var mos, jitter, loss, rtt sql.NullFloat64
		if err := rows.Scan(&mos, &jitter, &loss, &rtt); err != nil {
			return nil, err
		}
		out = append(out, types.RtcpMetric{MOS: floatPtr(mos), Jitter: floatPtr(jitter), PacketLoss: floatPtr(loss), RTT: floatPtr(rtt)})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveInvestigation(inv *types.Investigation) error {
	if inv == nil {
		return errors.New("investigation is nil")
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO investigations(id,session_id,call_id,result,created_at) VALUES(?,?,?,?,?)
	ON CONFLICT(id) DO UPDATE SET session_id=excluded.session_id,call_id=excluded.call_id,result=excluded.result,created_at=excluded.created_at`,
		inv.ID, inv.SessionID, inv.CallID, string(raw), inv.CreatedAt)
	return err
}

func (s *SQLiteStore) GetInvestigation(id string) (*types.Investigation, error) {
	var raw string
	err := s.db.QueryRow(`SELECT result FROM investigations WHERE id=?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("investigation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var inv types.Investigation
	if err := json.Unmarshal([]byte(raw), &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *SQLiteStore) ListInvestigations(sessionID string) ([]types.Investigation, error) {
	rows, err := s.db.Query(`SELECT result FROM investigations WHERE session_id=? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.Investigation, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var inv types.Investigation
		if err := json.Unmarshal([]byte(raw), &inv); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return errors.New("store is nil")
	}
	return s.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
