package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"sushiyaki/internal/domain"
	"sushiyaki/internal/repository"
)

func setupRS(t *testing.T) *ReservationService {
	t.Helper()
	store := repository.NewMemoryStore()
	return NewReservationService(store, repository.NewMemoryTx(store))
}

func booking(in time.Duration) domain.Reservation {
	return domain.Reservation{Name: "Kenji", Phone: "+8801711111111", PartySize: 4, ReservedFor: time.Now().Add(in)}
}

func TestReservation_Create_Valid(t *testing.T) {
	ctx := context.Background()
	rs := setupRS(t)
	r, err := rs.Create(ctx, booking(24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if r.ID == "" || r.Status != domain.ReservationPending {
		t.Fatalf("expected id and pending status, got %+v", r)
	}
	got, err := rs.GetByID(ctx, r.ID)
	if err != nil || got.Name != "Kenji" {
		t.Fatalf("get: %v %+v", err, got)
	}
}

func TestReservation_Create_Invalid(t *testing.T) {
	ctx := context.Background()
	rs := setupRS(t)
	bad := []func(*domain.Reservation){
		func(r *domain.Reservation) { r.Name = "" },
		func(r *domain.Reservation) { r.Phone = "" },
		func(r *domain.Reservation) { r.PartySize = 0 },
		func(r *domain.Reservation) { r.PartySize = 21 },
		func(r *domain.Reservation) { r.ReservedFor = time.Now().Add(-time.Hour) },
	}
	for i, mutate := range bad {
		r := booking(time.Hour)
		mutate(&r)
		if _, err := rs.Create(ctx, r); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestReservation_StatusFlow(t *testing.T) {
	ctx := context.Background()
	rs := setupRS(t)
	r, _ := rs.Create(ctx, booking(time.Hour))

	up, err := rs.UpdateStatus(ctx, r.ID, domain.ReservationConfirmed)
	if err != nil || up.Status != domain.ReservationConfirmed {
		t.Fatalf("confirm: %v %+v", err, up)
	}
	if _, err := rs.UpdateStatus(ctx, r.ID, domain.ReservationPending); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := rs.UpdateStatus(ctx, r.ID, domain.ReservationCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := rs.UpdateStatus(ctx, r.ID, domain.ReservationCancelled); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("completed reservation must not be cancelled, got %v", err)
	}
	if _, err := rs.UpdateStatus(ctx, "missing", domain.ReservationConfirmed); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := rs.UpdateStatus(ctx, r.ID, "seated"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestReservation_ListByStatus(t *testing.T) {
	ctx := context.Background()
	rs := setupRS(t)
	later, _ := rs.Create(ctx, booking(3*time.Hour))
	sooner, _ := rs.Create(ctx, booking(time.Hour))
	if _, err := rs.UpdateStatus(ctx, later.ID, domain.ReservationCancelled); err != nil {
		t.Fatal(err)
	}

	all, err := rs.List(ctx, repository.ReservationFilter{})
	if err != nil || len(all) != 2 || all[0].ID != sooner.ID {
		t.Fatalf("expected two reservations ordered by time, got %v %v", all, err)
	}
	cancelled, _ := rs.List(ctx, repository.ReservationFilter{Status: domain.ReservationCancelled})
	if len(cancelled) != 1 || cancelled[0].ID != later.ID {
		t.Fatalf("filter failed: %v", cancelled)
	}
	if _, err := rs.List(ctx, repository.ReservationFilter{Status: "bogus"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
