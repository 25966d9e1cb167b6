package suppliers

import (
	"fmt"
	"strings"

	"github.com/vantage-erp/vantage-erp/internal/masterdata/shared"
)

func (s *Service) validate(sup Supplier) error {
	if strings.TrimSpace(sup.Code) == "" {
		return fmt.Errorf("%w: supplier code", shared.ErrRequiredField)
	}
	if strings.TrimSpace(sup.Name) == "" {
		return fmt.Errorf("%w: supplier name", shared.ErrRequiredField)
	}
	return nil
}
