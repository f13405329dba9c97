package services

import (
	"database/sql"
	"encoding/json"

	"github.com/zCloak-Network/sbt-api/models"
)

const maxEventsPage = 1000

// emit appends ev to the event log inside tx, so the event is committed
// together with the state change it reports.
func (s *Service) emit(tx *sql.Tx, ev *models.Event) (int64, error) {
	ev.Timestamp = s.clock.Now().Unix()
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	res, err := tx.Stmt(s.stmts.insertEvent).Exec(string(ev.Type), ev.Timestamp, string(payload))
	if err != nil {
		return 0, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	ev.Seq = seq
	s.m.Counter("event_" + string(ev.Type)).Inc()
	return seq, nil
}

// Events returns up to limit events with a sequence number greater than
// after, in emission order.
func (s *Service) Events(after int64, limit int) ([]models.Event, error) {
	if limit <= 0 || limit > maxEventsPage {
		limit = maxEventsPage
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	rows, err := s.stmts.getEvents.Query(after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, err
		}
		ev.Seq = seq
		events = append(events, ev)
	}
	return events, rows.Err()
}
