package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Brownie44l1/plantid-api/internal/session"
)

// Append writes a finished session and trims the oldest rows beyond the cap
// in the same transaction.
func (s *Store) Append(ctx context.Context, rec session.Record) error {
	discarded, err := json.Marshal(nonNil(rec.Discarded))
	if err != nil {
		return fmt.Errorf("encode discarded: %w", err)
	}
	history, err := json.Marshal(rec.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_history (session_id, status, final_species, method, attempts_used, discarded, history, created_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, string(rec.Status), rec.FinalSpecies, string(rec.Method), rec.AttemptsUsed,
		string(discarded), string(history), rec.CreatedAt.UTC(), rec.ClosedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session history: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM session_history
		 WHERE id NOT IN (SELECT id FROM session_history ORDER BY id DESC LIMIT ?)`,
		s.historyMax,
	)
	if err != nil {
		return fmt.Errorf("trim session history: %w", err)
	}
	return tx.Commit()
}

// HistoryStats aggregates the archived sessions.
type HistoryStats struct {
	Total           int            `json:"total"`
	ByStatus        map[string]int `json:"by_status"`
	ByMethod        map[string]int `json:"by_method"`
	AvgAttempts     float64        `json:"avg_attempts_completed"`
	FirstTryCorrect int            `json:"first_try_correct"`
	FirstTryRate    float64        `json:"first_try_rate"`
}

func (s *Store) Stats(ctx context.Context) (HistoryStats, error) {
	stats := HistoryStats{
		ByStatus: map[string]int{},
		ByMethod: map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, method, COUNT(*) FROM session_history GROUP BY status, method`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	completed := 0
	for rows.Next() {
		var status, method string
		var n int
		if err := rows.Scan(&status, &method, &n); err != nil {
			return stats, err
		}
		stats.Total += n
		stats.ByStatus[status] += n
		if method != "" {
			stats.ByMethod[method] += n
		}
		if status == string(session.StatusCompleted) {
			completed += n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if completed == 0 {
		return stats, nil
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(attempts_used),
		        SUM(CASE WHEN method = ? AND attempts_used = 1 THEN 1 ELSE 0 END)
		 FROM session_history WHERE status = ?`,
		string(session.MethodAutoPrediction), string(session.StatusCompleted),
	).Scan(&avg, &stats.FirstTryCorrect)
	if err != nil {
		return stats, err
	}
	stats.AvgAttempts = avg.Float64
	stats.FirstTryRate = float64(stats.FirstTryCorrect) / float64(completed)
	return stats, nil
}

// RecentSessions returns the newest archived sessions first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]session.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, status, final_species, method, attempts_used, discarded, history, created_at, closed_at
		 FROM session_history ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		var rec session.Record
		var status, method, discarded, history string
		err := rows.Scan(&rec.SessionID, &status, &rec.FinalSpecies, &method, &rec.AttemptsUsed,
			&discarded, &history, &rec.CreatedAt, &rec.ClosedAt)
		if err != nil {
			return nil, err
		}
		rec.Status = session.Status(status)
		rec.Method = session.Method(method)
		if err := json.Unmarshal([]byte(discarded), &rec.Discarded); err != nil {
			return nil, fmt.Errorf("decode discarded for %s: %w", rec.SessionID, err)
		}
		if err := json.Unmarshal([]byte(history), &rec.History); err != nil {
			return nil, fmt.Errorf("decode history for %s: %w", rec.SessionID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
