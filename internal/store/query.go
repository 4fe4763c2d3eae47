package store

import (
	"strings"
	"time"
)

// EventQuery describes a filtered read of the event log.
//
// Zero fields are unconstrained. Recent > 0 bounds the scan to the N most
// recent matching events; results are still returned oldest first.
type EventQuery struct {
	DistinctID string
	Names      []string
	SessionID  string
	Since      time.Time // inclusive lower bound, zero = unbounded
	Until      time.Time // inclusive upper bound, zero = unbounded
	Recent     int
}

const eventColumns = "id, name, distinct_id, session_id, properties, ts, seq"

// Ordering follows the determinism rule: ts first, logical seq as
// tiebreaker, id COLLATE BINARY as the final total-order key.
const (
	orderAsc  = "ts ASC, seq ASC, id ASC COLLATE BINARY"
	orderDesc = "ts DESC, seq DESC, id DESC COLLATE BINARY"
)

// buildEventSQL compiles an EventQuery to parameterized SQL.
// Values are NEVER interpolated - always ? placeholders.
func buildEventSQL(q EventQuery) (string, []any) {
	where, params := buildEventWhere(q)

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(eventColumns)
	b.WriteString(" FROM events")
	b.WriteString(where)

	if q.Recent > 0 {
		// Take the N most recent matches, then restore oldest-first order.
		inner := b.String() + " ORDER BY " + orderDesc + " LIMIT ?"
		params = append(params, q.Recent)
		return "SELECT " + eventColumns + " FROM (" + inner + ") ORDER BY " + orderAsc, params
	}

	b.WriteString(" ORDER BY ")
	b.WriteString(orderAsc)
	return b.String(), params
}

// buildEventCountSQL compiles an EventQuery to a COUNT query honoring the
// same scan bound.
func buildEventCountSQL(q EventQuery) (string, []any) {
	where, params := buildEventWhere(q)

	if q.Recent > 0 {
		inner := "SELECT id FROM events" + where + " ORDER BY " + orderDesc + " LIMIT ?"
		params = append(params, q.Recent)
		return "SELECT COUNT(*) FROM (" + inner + ")", params
	}

	return "SELECT COUNT(*) FROM events" + where, params
}

func buildEventWhere(q EventQuery) (string, []any) {
	var clauses []string
	var params []any

	if q.DistinctID != "" {
		clauses = append(clauses, "distinct_id = ?")
		params = append(params, q.DistinctID)
	}
	if len(q.Names) == 1 {
		clauses = append(clauses, "name = ?")
		params = append(params, q.Names[0])
	} else if len(q.Names) > 1 {
		placeholders := strings.Repeat("?, ", len(q.Names)-1) + "?"
		clauses = append(clauses, "name IN ("+placeholders+")")
		for _, n := range q.Names {
			params = append(params, n)
		}
	}
	if q.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		params = append(params, q.SessionID)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		params = append(params, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "ts <= ?")
		params = append(params, q.Until.UnixMilli())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), params
}
