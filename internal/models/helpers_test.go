package models

import (
	"testing"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "retry storm", "retry storm"},
		{"uppercase", "Retry Storm", "retry storm"},
		{"surrounding space", "  Retry Storm ", "retry storm"},
		{"inner whitespace collapsed", "Retry \t  Storm", "retry storm"},
		{"cyrillic", "Проблема З Кешем", "проблема з кешем"},
		{"empty string", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeTitle(tt.in)
			if got != tt.want {
				t.Errorf("NormalizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRecordIDString(t *testing.T) {
	id := surrealmodels.NewRecordID("atom", "abc")
	got, err := RecordIDString(id)
	if err != nil {
		t.Fatalf("RecordIDString: %v", err)
	}
	if got != "abc" {
		t.Errorf("RecordIDString = %q, want %q", got, "abc")
	}

	if _, err := RecordIDString(surrealmodels.NewRecordID("atom", 42)); err == nil {
		t.Error("expected error for non-string id")
	}
}

func TestNewRecordID(t *testing.T) {
	a := NewRecordID("topic")
	b := NewRecordID("topic")
	if a.Table != "topic" {
		t.Errorf("table = %q, want topic", a.Table)
	}
	if MustRecordIDString(a) == MustRecordIDString(b) {
		t.Error("expected distinct keys")
	}
}
