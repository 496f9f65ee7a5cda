package amqp

import (
	"encoding/json"
	"errors"
	"time"

	"controlgastos/internal/expenses"
)

// ExpenseChangeMessage announces that a user's expenses changed. Receivers
// re-read the data from the shared database.
type ExpenseChangeMessage struct {
	UserID    string    `json:"user_id"`
	ExpenseID string    `json:"expense_id"`
	Op        string    `json:"op"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

func NewExpenseChangeMessage(c expenses.Change) *ExpenseChangeMessage {
	ts := c.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return &ExpenseChangeMessage{
		UserID:    c.UserID,
		ExpenseID: c.ExpenseID,
		Op:        string(c.Op),
		Origin:    c.Origin,
		Timestamp: ts,
	}
}

func (m *ExpenseChangeMessage) Change() expenses.Change {
	return expenses.Change{
		Op:        expenses.Op(m.Op),
		UserID:    m.UserID,
		ExpenseID: m.ExpenseID,
		Origin:    m.Origin,
		At:        m.Timestamp,
	}
}

func (m *ExpenseChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ExpenseChangeMessageFromJSON decodes and validates a message body.
func ExpenseChangeMessageFromJSON(data []byte) (*ExpenseChangeMessage, error) {
	var msg ExpenseChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.UserID == "" {
		return nil, errors.New("missing user_id")
	}
	switch expenses.Op(msg.Op) {
	case expenses.OpCreated, expenses.OpUpdated, expenses.OpDeleted:
	default:
		return nil, errors.New("unknown op " + msg.Op)
	}
	return &msg, nil
}
