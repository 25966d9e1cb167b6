package suppliers

import (
	"context"
	"fmt"

	"github.com/vantage-erp/vantage-erp/internal/masterdata/shared"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, filters shared.ListFilters) ([]Supplier, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) Get(ctx context.Context, id int64) (Supplier, error) {
	if id <= 0 {
		return Supplier{}, shared.ErrInvalidID
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) Create(ctx context.Context, supplier Supplier) (Supplier, error) {
	if err := s.validate(supplier); err != nil {
		return Supplier{}, err
	}
	return s.repo.Create(ctx, supplier)
}

// Update refuses an opening-balance change once ledger activity exists; the
// opening figure anchors every statement already produced.
func (s *Service) Update(ctx context.Context, id int64, supplier Supplier) error {
	if id <= 0 {
		return shared.ErrInvalidID
	}
	if err := s.validate(supplier); err != nil {
		return err
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.OpeningBalance != supplier.OpeningBalance {
		active, err := s.repo.HasLedgerActivity(ctx, id)
		if err != nil {
			return err
		}
		if active {
			return fmt.Errorf("%w: opening balance is fixed once purchases or payments exist", shared.ErrValidation)
		}
	}
	return s.repo.Update(ctx, id, supplier)
}

// Delete soft-deletes; a supplier with ledger activity stays on record.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return shared.ErrInvalidID
	}
	active, err := s.repo.HasLedgerActivity(ctx, id)
	if err != nil {
		return err
	}
	if active {
		return fmt.Errorf("%w: supplier has purchases or payments", shared.ErrValidation)
	}
	return s.repo.Delete(ctx, id)
}
