package suppliers

import (
	"time"
)

// Supplier represents a supplier entity. OpeningBalance is the carried-in
// debt at onboarding; it anchors every balance and statement computation and
// never changes once payments exist.
type Supplier struct {
	ID             int64     `json:"id"`
	Code           string    `json:"code"`
	Name           string    `json:"name"`
	Address        string    `json:"address"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone"`
	TaxNumber      string    `json:"tax_number"`
	OpeningBalance float64   `json:"opening_balance"`
	Deleted        bool      `json:"deleted"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
