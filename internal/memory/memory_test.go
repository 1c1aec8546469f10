package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestInMemoryStoreTurns(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for _, r := range []TurnRecord{
		{UserID: "u1", Role: "user", Content: "I have a headache"},
		{UserID: "u1", Role: "assistant", Content: "How long has it lasted?"},
		{UserID: "u1", Role: "user", Content: "Two days"},
		{UserID: "u2", Role: "user", Content: "Hello"},
	} {
		if err := s.SaveTurn(ctx, r); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	got, err := s.RecentContext(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("RecentContext() error = %v", err)
	}
	if len(got) != 2 || got[0].Content != "How long has it lasted?" || got[1].Content != "Two days" {
		t.Fatalf("RecentContext() = %+v", got)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("record defaults not applied: %+v", got[0])
	}

	if err := s.SaveTurn(ctx, TurnRecord{UserID: "u1", Role: "system", Content: "x"}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("SaveTurn(bad role) error = %v, want ErrInvalidRecord", err)
	}
}

func TestInMemoryStoreAlerts(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	first, err := s.SaveAlert(ctx, Alert{UserID: "u1", Level: "medium", Score: 5})
	if err != nil {
		t.Fatalf("SaveAlert() error = %v", err)
	}
	if first.ID == "" {
		t.Fatalf("SaveAlert() did not assign an ID")
	}
	if _, err := s.SaveAlert(ctx, Alert{UserID: "u2", Level: "high", Score: 9}); err != nil {
		t.Fatalf("SaveAlert() error = %v", err)
	}
	if _, err := s.SaveAlert(ctx, Alert{UserID: "u1", Level: "high", Score: 8}); err != nil {
		t.Fatalf("SaveAlert() error = %v", err)
	}
	if _, err := s.SaveAlert(ctx, Alert{Level: "high"}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("SaveAlert(no user) error = %v, want ErrInvalidRecord", err)
	}

	all, err := s.ListAlerts(ctx, AlertFilter{})
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	if len(all) != 3 || all[0].Score != 8 {
		t.Fatalf("ListAlerts() = %+v, want newest first", all)
	}
	mine, err := s.ListAlerts(ctx, AlertFilter{UserID: "u1", Limit: 1})
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	if len(mine) != 1 || mine[0].UserID != "u1" || mine[0].Score != 8 {
		t.Fatalf("ListAlerts(u1) = %+v", mine)
	}
}

func TestSummarize(t *testing.T) {
	records := []TurnRecord{
		{Role: "user", Content: "I had swelling   in my feet"},
		{Role: "assistant", Content: "Please rest and keep your feet raised."},
		{Role: "user", Content: "  "},
		{Role: "user", Content: "It is better now"},
	}
	got := Summarize(records, 0)
	want := "Mother: I had swelling in my feet\nMama: Please rest and keep your feet raised.\nMother: It is better now"
	if got != want {
		t.Fatalf("Summarize() = %q, want %q", got, want)
	}

	short := Summarize(records, 30)
	if short != "Mother: It is better now" {
		t.Fatalf("Summarize(30) = %q", short)
	}
	if strings.TrimSpace(Summarize(nil, 10)) != "" {
		t.Fatalf("Summarize(nil) should be empty")
	}
}

func TestNewStoreWithoutDatabaseIsInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), " ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", s)
	}
}
