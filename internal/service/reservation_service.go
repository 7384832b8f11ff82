package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sushiyaki/internal/domain"
	"sushiyaki/internal/repository"
)

const maxPartySize = 20

var ErrInvalidInput = errors.New("invalid input")

// ReservationService инкапсулирует бизнес-логику вокруг бронирований
type ReservationService struct {
	repo repository.ReservationStore
	tx   repository.TxManager
	now  func() time.Time
}

func NewReservationService(repo repository.ReservationStore, tx repository.TxManager) *ReservationService {
	return &ReservationService{repo: repo, tx: tx, now: time.Now}
}

func (s *ReservationService) Create(ctx context.Context, r domain.Reservation) (*domain.Reservation, error) {
	if r.Name == "" || r.Phone == "" || r.PartySize < 1 || r.PartySize > maxPartySize {
		return nil, ErrInvalidInput
	}
	if !r.ReservedFor.After(s.now()) {
		return nil, ErrInvalidInput
	}
	cp := r
	cp.ID = ""
	cp.Status = domain.ReservationPending
	if err := s.repo.CreateReservation(ctx, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *ReservationService) GetByID(ctx context.Context, id string) (*domain.Reservation, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	return s.repo.GetReservation(ctx, id)
}

func (s *ReservationService) List(ctx context.Context, f repository.ReservationFilter) ([]domain.Reservation, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ErrInvalidInput
	}
	return s.repo.ListReservations(ctx, f)
}

// UpdateStatus проверяет переход и меняет статус внутри транзакции
func (s *ReservationService) UpdateStatus(ctx context.Context, id string, status domain.ReservationStatus) (*domain.Reservation, error) {
	if id == "" || !status.Valid() {
		return nil, ErrInvalidInput
	}
	var updated *domain.Reservation
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		r, err := s.repo.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransitionReservation(r.Status, status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, r.Status, status)
		}
		updated, err = s.repo.UpdateReservationStatus(ctx, id, status)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
