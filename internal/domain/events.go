package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ChangeType тип строкового изменения в хранилище
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

var ErrMalformedEvent = errors.New("malformed change event")

// ChangeEvent — уведомление об изменении строки orders.
// Реализации: Inserted, Updated, Deleted.
type ChangeEvent interface {
	Type() ChangeType
	OrderID() string
	isChangeEvent()
}

type Inserted struct{ Order Order }

type Updated struct{ Order Order }

type Deleted struct{ ID string }

func (Inserted) Type() ChangeType  { return ChangeInsert }
func (e Inserted) OrderID() string { return e.Order.ID }
func (Inserted) isChangeEvent()    {}
func (Updated) Type() ChangeType   { return ChangeUpdate }
func (e Updated) OrderID() string  { return e.Order.ID }
func (Updated) isChangeEvent()     {}
func (Deleted) Type() ChangeType   { return ChangeDelete }
func (e Deleted) OrderID() string  { return e.ID }
func (Deleted) isChangeEvent()     {}

// envelope is the wire shape shared by the broker feed and the SSE stream.
type envelope struct {
	Type  ChangeType `json:"type"`
	Order *Order     `json:"order,omitempty"`
	ID    string     `json:"id,omitempty"`
}

func MarshalChange(ev ChangeEvent) ([]byte, error) {
	env := envelope{Type: ev.Type(), ID: ev.OrderID()}
	switch e := ev.(type) {
	case Inserted:
		env.Order = &e.Order
	case Updated:
		env.Order = &e.Order
	case Deleted:
	default:
		return nil, fmt.Errorf("%w: unknown event %T", ErrMalformedEvent, ev)
	}
	return json.Marshal(env)
}

// UnmarshalChange parses and validates an envelope.
func UnmarshalChange(data []byte) (ChangeEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch env.Type {
	case ChangeInsert, ChangeUpdate:
		if env.Order == nil || env.Order.ID == "" {
			return nil, fmt.Errorf("%w: %s without order", ErrMalformedEvent, env.Type)
		}
		if !env.Order.Status.Valid() {
			return nil, fmt.Errorf("%w: status %q", ErrMalformedEvent, env.Order.Status)
		}
		if env.Type == ChangeInsert {
			return Inserted{Order: *env.Order}, nil
		}
		return Updated{Order: *env.Order}, nil
	case ChangeDelete:
		id := env.ID
		if id == "" && env.Order != nil {
			id = env.Order.ID
		}
		if id == "" {
			return nil, fmt.Errorf("%w: delete without id", ErrMalformedEvent)
		}
		return Deleted{ID: id}, nil
	default:
		return nil, fmt.Errorf("%w: type %q", ErrMalformedEvent, env.Type)
	}
}

// MatchesScope reports whether the event concerns the scope.
// Deletes carry no owner and always match.
func MatchesScope(ev ChangeEvent, s Scope) bool {
	switch e := ev.(type) {
	case Inserted:
		return s.Matches(e.Order)
	case Updated:
		return s.Matches(e.Order)
	default:
		return true
	}
}
