package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rangeloc/internal/odometry"
	"github.com/banshee-data/rangeloc/internal/packet"
)

// ErrSessionNotFound is returned for an unknown session ID.
var ErrSessionNotFound = errors.New("session not found")

// Session is one run of the localiser against one serial port.
type Session struct {
	ID        string     `json:"session_id"`
	Port      string     `json:"port"`
	Filter    string     `json:"filter"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// PacketRow is a decoded packet as stored.
type PacketRow struct {
	SessionID  string    `json:"session_id"`
	RecordedAt time.Time `json:"recorded_at"`
	PacketID   packet.ID `json:"packet_id"`
	Line       string    `json:"line"`
	Payload    string    `json:"payload"`
}

// NewPacketRow renders p for storage.
func NewPacketRow(sessionID string, at time.Time, p packet.Packet) (PacketRow, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return PacketRow{}, fmt.Errorf("marshal %s packet: %w", p.PacketID(), err)
	}
	return PacketRow{
		SessionID:  sessionID,
		RecordedAt: at,
		PacketID:   p.PacketID(),
		Line:       packet.Describe(p),
		Payload:    string(payload),
	}, nil
}

// PoseRow is one point of a session's pose trail.
type PoseRow struct {
	SessionID  string        `json:"session_id"`
	RecordedAt time.Time     `json:"recorded_at"`
	Pose       odometry.Pose `json:"pose"`
	CovTrace   float64       `json:"cov_trace"`
	Mode       string        `json:"mode"`
}

// StartSession creates a new session and returns it.
func (db *DB) StartSession(port, filter string, at time.Time) (Session, error) {
	s := Session{
		ID:        uuid.NewString(),
		Port:      port,
		Filter:    filter,
		StartedAt: at,
	}
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, port, filter, started_at) VALUES (?, ?, ?, ?)`,
		s.ID, s.Port, s.Filter, at.UnixNano(),
	)
	if err != nil {
		return Session{}, fmt.Errorf("start session: %w", err)
	}
	return s, nil
}

// EndSession stamps the end time of a session.
func (db *DB) EndSession(id string, at time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end session %s: %w", id, ErrSessionNotFound)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT session_id, port, filter, started_at, ended_at
		   FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Port, &s.Filter, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.StartedAt = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertPackets stores rows in one transaction.
func (db *DB) InsertPackets(rows []PacketRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO packets (session_id, recorded_at, packet_id, line, payload) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.SessionID, r.RecordedAt.UnixNano(), uint8(r.PacketID), r.Line, r.Payload); err != nil {
			return fmt.Errorf("insert packet: %w", err)
		}
	}
	return tx.Commit()
}

// InsertPoses stores rows in one transaction.
func (db *DB) InsertPoses(rows []PoseRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO poses (session_id, recorded_at, x, y, theta, cov_trace, mode) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.SessionID, r.RecordedAt.UnixNano(), r.Pose.X, r.Pose.Y, r.Pose.Theta, r.CovTrace, r.Mode); err != nil {
			return fmt.Errorf("insert pose: %w", err)
		}
	}
	return tx.Commit()
}

// SessionPackets returns up to limit packets of a session, oldest first.
func (db *DB) SessionPackets(sessionID string, limit int) ([]PacketRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.Query(
		`SELECT session_id, recorded_at, packet_id, line, payload
		   FROM packets WHERE session_id = ? ORDER BY packet_row LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query packets: %w", err)
	}
	defer rows.Close()

	var out []PacketRow
	for rows.Next() {
		var r PacketRow
		var at int64
		var id uint8
		if err := rows.Scan(&r.SessionID, &at, &id, &r.Line, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan packet: %w", err)
		}
		r.RecordedAt = time.Unix(0, at)
		r.PacketID = packet.ID(id)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionPoses returns the pose trail of a session, oldest first.
func (db *DB) SessionPoses(sessionID string) ([]PoseRow, error) {
	rows, err := db.Query(
		`SELECT session_id, recorded_at, x, y, theta, cov_trace, mode
		   FROM poses WHERE session_id = ? ORDER BY pose_row`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query poses: %w", err)
	}
	defer rows.Close()

	var out []PoseRow
	for rows.Next() {
		var r PoseRow
		var at int64
		if err := rows.Scan(&r.SessionID, &at, &r.Pose.X, &r.Pose.Y, &r.Pose.Theta, &r.CovTrace, &r.Mode); err != nil {
			return nil, fmt.Errorf("scan pose: %w", err)
		}
		r.RecordedAt = time.Unix(0, at)
		out = append(out, r)
	}
	return out, rows.Err()
}
