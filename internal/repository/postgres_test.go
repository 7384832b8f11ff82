package repository

import (
	"errors"
	"strings"
	"testing"

	"sushiyaki/internal/domain"
)

func TestParseNotification(t *testing.T) {
	n, err := parseNotification(`{"op":"UPDATE","id":"8b0c2f3e-5d0e-4c6c-9a53-1c1f6f0d9a11","customer_id":"alice"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.Op != "UPDATE" || n.CustomerID != "alice" {
		t.Fatalf("unexpected notification %+v", n)
	}

	n, err = parseNotification(`{"op":"delete","id":"x"}`)
	if err != nil || n.Op != "DELETE" {
		t.Fatalf("lowercase op should be accepted: %v %+v", err, n)
	}

	for _, bad := range []string{`{`, `{"op":"TRUNCATE","id":"x"}`, `{"op":"INSERT"}`} {
		if _, err := parseNotification(bad); !errors.Is(err, domain.ErrMalformedEvent) {
			t.Fatalf("%s: expected malformed, got %v", bad, err)
		}
	}
}

func TestSchemaDeclaresNotifyTrigger(t *testing.T) {
	for _, want := range []string{"pg_notify('order_changes'", "CREATE TRIGGER orders_notify", "total_price = subtotal + vat + delivery_charge - discount"} {
		if !strings.Contains(schema, want) {
			t.Fatalf("schema is missing %q", want)
		}
	}
}
