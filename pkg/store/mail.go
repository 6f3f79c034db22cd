package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"rigd/pkg/protocol"

	"github.com/google/uuid"
)

// SendMailParams holds parameters for SendMail. Agent existence is not
// checked; ids are addresses.
type SendMailParams struct {
	From    string
	To      string
	Subject string
	Body    string
}

// SendMail queues an undelivered message for the recipient.
func (t *Tx) SendMail(ctx context.Context, p SendMailParams) (*protocol.Mail, error) {
	if strings.TrimSpace(p.To) == "" {
		return nil, &protocol.ValidationError{Field: "recipient", Value: p.To}
	}
	m := &protocol.Mail{
		ID:          uuid.NewString(),
		FromAgentID: p.From,
		ToAgentID:   p.To,
		Subject:     p.Subject,
		Body:        p.Body,
		CreatedAt:   t.now(),
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO mail (id, from_agent_id, to_agent_id, subject, body, delivered, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		m.ID, m.FromAgentID, m.ToAgentID, m.Subject, m.Body, formatTime(m.CreatedAt)); err != nil {
		return nil, fmt.Errorf("insert mail: %w", err)
	}
	return m, nil
}

// CheckMail returns the recipient's undelivered mail in creation order and
// marks it delivered. The returned snapshot shows Delivered=false.
func (t *Tx) CheckMail(ctx context.Context, agentID string) ([]protocol.Mail, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, from_agent_id, to_agent_id, subject, body, created_at
		 FROM mail WHERE to_agent_id = ? AND delivered = 0 ORDER BY rowid`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query mail: %w", err)
	}

	inbox := []protocol.Mail{}
	for rows.Next() {
		var m protocol.Mail
		var createdAt string
		if err := rows.Scan(&m.ID, &m.FromAgentID, &m.ToAgentID, &m.Subject, &m.Body, &createdAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan mail: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		inbox = append(inbox, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate mail: %w", err)
	}
	_ = rows.Close()

	if len(inbox) == 0 {
		return inbox, nil
	}

	args := make([]any, 0, len(inbox)+1)
	args = append(args, sql.NullString{String: formatTime(t.now()), Valid: true})
	for _, m := range inbox {
		args = append(args, m.ID)
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE mail SET delivered = 1, delivered_at = ? WHERE id IN (`+placeholders(len(inbox))+`)`,
		args...); err != nil {
		return nil, fmt.Errorf("mark mail delivered: %w", err)
	}
	return inbox, nil
}
