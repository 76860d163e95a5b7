package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chroma_accord/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	problem TEXT NOT NULL,
	status TEXT NOT NULL,
	turn INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS moves (
	id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	from_party TEXT NOT NULL,
	to_party TEXT NOT NULL,
	turn INTEGER NOT NULL,
	offer_id TEXT NOT NULL DEFAULT '',
	refers_to TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY(session_id, id),
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_moves_session ON moves(session_id, turn, created_at);

CREATE TABLE IF NOT EXISTS offers (
	id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	conditions TEXT NOT NULL,
	assignments TEXT NOT NULL,
	status TEXT NOT NULL,
	created_turn INTEGER NOT NULL,
	closed_turn INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY(session_id, id),
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_offers_session ON offers(session_id, created_turn);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_decision_log_session ON decision_log(session_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess domain.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	if sess.Status == "" {
		sess.Status = domain.SessionStatusCreated
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions(id, problem, status, turn, last_error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Problem, string(sess.Status), sess.Turn, sess.LastError,
		sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sess domain.Session) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET status = ?, turn = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(sess.Status), sess.Turn, sess.LastError, time.Now().UTC().Unix(), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, problem, status, turn, last_error, created_at, updated_at
		FROM sessions WHERE id = ?`,
		id,
	)
	var sess domain.Session
	var status string
	var created, updated int64
	if err := row.Scan(&sess.ID, &sess.Problem, &status, &sess.Turn, &sess.LastError, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, fmt.Errorf("session %s not found", id)
		}
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = unixToTime(created)
	sess.UpdatedAt = unixToTime(updated)
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, problem, status, turn, last_error, created_at, updated_at
		FROM sessions ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Session, 0)
	for rows.Next() {
		var sess domain.Session
		var status string
		var created, updated int64
		if err := rows.Scan(&sess.ID, &sess.Problem, &status, &sess.Turn, &sess.LastError, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Status = domain.SessionStatus(status)
		sess.CreatedAt = unixToTime(created)
		sess.UpdatedAt = unixToTime(updated)
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return result, nil
}

func (s *Store) RecordMove(ctx context.Context, m domain.Move) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal move body: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO moves(id, session_id, kind, from_party, to_party, turn, offer_id, refers_to, body, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Kind), m.From, m.To, m.Turn, m.OfferID, m.RefersTo,
		string(body), m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record move: %w", err)
	}
	return nil
}

func (s *Store) ListMoves(ctx context.Context, sessionID string) ([]domain.Move, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT body FROM moves WHERE session_id = ? ORDER BY turn ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list moves: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Move, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan move: %w", err)
		}
		var m domain.Move
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("unmarshal move body: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate moves: %w", err)
	}
	return result, nil
}

// UpsertOffer inserts a fresh offer or refreshes the status and closing turn of
// a known one. Offers are append-only on the party side, so the mutable columns
// are exactly these two. Offer ids are unique per session, not globally.
func (s *Store) UpsertOffer(ctx context.Context, o domain.Offer) error {
	conditions, err := json.Marshal(o.Conditions)
	if err != nil {
		return fmt.Errorf("marshal offer conditions: %w", err)
	}
	assignments, err := json.Marshal(o.Assignments)
	if err != nil {
		return fmt.Errorf("marshal offer assignments: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO offers(id, session_id, sender, recipient, conditions, assignments, status, created_turn, closed_turn)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET status = excluded.status, closed_turn = excluded.closed_turn`,
		o.ID, o.SessionID, o.Sender, o.Recipient, string(conditions), string(assignments),
		string(o.Status), o.CreatedTurn, o.ClosedTurn,
	)
	if err != nil {
		return fmt.Errorf("upsert offer: %w", err)
	}
	return nil
}

func (s *Store) ListOffers(ctx context.Context, sessionID string) ([]domain.Offer, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, session_id, sender, recipient, conditions, assignments, status, created_turn, closed_turn
		FROM offers WHERE session_id = ? ORDER BY created_turn ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Offer, 0)
	for rows.Next() {
		var o domain.Offer
		var status, conditions, assignments string
		if err := rows.Scan(
			&o.ID, &o.SessionID, &o.Sender, &o.Recipient, &conditions, &assignments,
			&status, &o.CreatedTurn, &o.ClosedTurn,
		); err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		if err := json.Unmarshal([]byte(conditions), &o.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal offer conditions: %w", err)
		}
		if err := json.Unmarshal([]byte(assignments), &o.Assignments); err != nil {
			return nil, fmt.Errorf("unmarshal offer assignments: %w", err)
		}
		o.Status = domain.OfferStatus(status)
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offers: %w", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(session_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Actor, entry.Action, entry.Reason, payload, entry.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, sessionID string) ([]domain.DecisionLog, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, session_id, actor, action, reason, payload, created_at
		FROM decision_log WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var created int64
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Actor, &item.Action, &item.Reason, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(created)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
