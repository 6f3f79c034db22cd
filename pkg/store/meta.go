package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rigd/pkg/protocol"
)

// TownID returns the configured town registry id, or "" when unset.
func (t *Tx) TownID(ctx context.Context) (string, error) {
	var v string
	err := t.tx.QueryRowContext(ctx, `SELECT value FROM rig_meta WHERE key = ?`, protocol.MetaTownID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get town id: %w", err)
	}
	return v, nil
}

// SetTownID stores the town id. An empty id clears it.
func (t *Tx) SetTownID(ctx context.Context, townID string) error {
	if townID == "" {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM rig_meta WHERE key = ?`, protocol.MetaTownID); err != nil {
			return fmt.Errorf("clear town id: %w", err)
		}
		return nil
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO rig_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		protocol.MetaTownID, townID); err != nil {
		return fmt.Errorf("set town id: %w", err)
	}
	return nil
}

// AlarmState is the durable wake-up slot.
type AlarmState struct {
	Armed  bool       `json:"armed"`
	WakeAt *time.Time `json:"wake_at,omitempty"`
}

// Alarm reads the alarm slot.
func (t *Tx) Alarm(ctx context.Context) (AlarmState, error) {
	var (
		armed  int
		wakeAt sql.NullString
	)
	if err := t.tx.QueryRowContext(ctx, `SELECT armed, wake_at FROM alarm WHERE id = 1`).Scan(&armed, &wakeAt); err != nil {
		return AlarmState{}, fmt.Errorf("read alarm: %w", err)
	}
	at, err := parseNullTime(wakeAt)
	if err != nil {
		return AlarmState{}, err
	}
	return AlarmState{Armed: armed == 1, WakeAt: at}, nil
}

// ArmAlarm schedules a wake-up at at. There is only one slot: if it is
// already armed for an earlier time that time is kept, otherwise at
// replaces it. Returns the resulting state.
func (t *Tx) ArmAlarm(ctx context.Context, at time.Time) (AlarmState, error) {
	cur, err := t.Alarm(ctx)
	if err != nil {
		return AlarmState{}, err
	}
	if cur.Armed && cur.WakeAt != nil && !at.Before(*cur.WakeAt) {
		return cur, nil
	}
	at = at.UTC()
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE alarm SET armed = 1, wake_at = ? WHERE id = 1`, nullTime(&at)); err != nil {
		return AlarmState{}, fmt.Errorf("arm alarm: %w", err)
	}
	return AlarmState{Armed: true, WakeAt: &at}, nil
}

// DisarmAlarm clears the slot.
func (t *Tx) DisarmAlarm(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE alarm SET armed = 0, wake_at = NULL WHERE id = 1`); err != nil {
		return fmt.Errorf("disarm alarm: %w", err)
	}
	return nil
}

// HasActiveWork reports whether any agent is working or any review entry
// is pending or running.
func (t *Tx) HasActiveWork(ctx context.Context) (bool, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM agents WHERE status = ?) +
		        (SELECT COUNT(*) FROM review_queue WHERE status IN (?, ?))`,
		string(protocol.AgentWorking), string(protocol.ReviewPending), string(protocol.ReviewRunning)).Scan(&n); err != nil {
		return false, fmt.Errorf("count active work: %w", err)
	}
	return n > 0, nil
}
