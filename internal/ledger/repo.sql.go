package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vantage-erp/vantage-erp/internal/platform/db"
	"github.com/vantage-erp/vantage-erp/internal/pricing"
	"github.com/vantage-erp/vantage-erp/internal/procurement"
	"github.com/vantage-erp/vantage-erp/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const purchaseColumns = `id, number, supplier_id, COALESCE(source_order_id, 0), purchase_date, shipping_charges, grand_total, purchase_total, payment_amount, payment_due, payment_status, used_for_goods, deleted, note, created_at`

func scanPurchase(row pgx.Row) (Purchase, error) {
	var p Purchase
	err := row.Scan(&p.ID, &p.Number, &p.SupplierID, &p.SourceOrderID, &p.PurchaseDate,
		&p.ShippingCharges, &p.GrandTotal, &p.PurchaseTotal, &p.PaymentAmount, &p.PaymentDue,
		&p.PaymentStatus, &p.IsUsedForGoods, &p.Deleted, &p.Note, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Purchase{}, ErrNotFound
		}
		return Purchase{}, err
	}
	return p, nil
}

const lineColumns = `product_id, product_name, qty, unit_cost, discount_type, discount_value, tax_rate, subtotal, tax_amount, net_unit_cost, line_total`

func loadPurchaseLines(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, purchaseID int64) ([]procurement.LineItem, error) {
	rows, err := q.Query(ctx, `SELECT `+lineColumns+` FROM purchase_lines WHERE purchase_id=$1 ORDER BY id`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []procurement.LineItem
	for rows.Next() {
		var l procurement.LineItem
		var discountType string
		if err := rows.Scan(&l.ProductID, &l.ProductName, &l.Quantity, &l.UnitCostBeforeTax,
			&discountType, &l.Discount.Value, &l.TaxRatePercent,
			&l.SubtotalBeforeTax, &l.TaxAmount, &l.NetCostPerUnit, &l.LineTotal); err != nil {
			return nil, err
		}
		l.Discount.Type = pricing.DiscountType(discountType)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// GetPurchase returns the invoice with its lines.
func (r *Repository) GetPurchase(ctx context.Context, id int64) (Purchase, error) {
	p, err := scanPurchase(r.pool.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id=$1`, id))
	if err != nil {
		return Purchase{}, err
	}
	p.Lines, err = loadPurchaseLines(ctx, r.pool, id)
	return p, err
}

// ListPurchases returns invoices matching filters with a total count.
func (r *Repository) ListPurchases(ctx context.Context, filters ListFilters) ([]Purchase, int, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE NOT deleted`
	countQuery := `SELECT COUNT(*) FROM purchases WHERE NOT deleted`
	var args []any
	var clauses string
	if filters.SupplierID != 0 {
		args = append(args, filters.SupplierID)
		clauses += ` AND supplier_id=$` + itoa(len(args))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		clauses += ` AND payment_status=$` + itoa(len(args))
	}
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		clauses += ` AND number ILIKE $` + itoa(len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery+clauses, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, filters.Limit)
	limitClause := ` ORDER BY purchase_date DESC, id DESC LIMIT $` + itoa(len(args))
	args = append(args, filters.Offset)
	limitClause += ` OFFSET $` + itoa(len(args))

	rows, err := r.pool.Query(ctx, query+clauses+limitClause, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var purchases []Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, 0, err
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return purchases, total, nil
}

// ListSupplierPurchases returns every invoice for a supplier up to a date,
// soft-deleted rows included so statement callers see a consistent id space.
func (r *Repository) ListSupplierPurchases(ctx context.Context, supplierID int64, until time.Time) ([]Purchase, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+purchaseColumns+` FROM purchases
		WHERE supplier_id=$1 AND purchase_date <= $2 ORDER BY purchase_date, id`, supplierID, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var purchases []Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

const paymentColumns = `id, number, supplier_id, COALESCE(purchase_id, 0), amount, method, reference, note, paid_date, status, created_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.Number, &p.SupplierID, &p.PurchaseID, &p.Amount,
		&p.Method, &p.Reference, &p.Note, &p.PaidDate, &p.Status, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, err
	}
	return p, nil
}

// ListSupplierPayments returns every payment for a supplier up to a date.
func (r *Repository) ListSupplierPayments(ctx context.Context, supplierID int64, until time.Time) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE supplier_id=$1 AND paid_date <= $2 ORDER BY paid_date, id`, supplierID, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// GetSupplierOpening returns the opening balance, or ErrNotFound for an
// unknown supplier.
func (r *Repository) GetSupplierOpening(ctx context.Context, supplierID int64) (float64, error) {
	return supplierOpening(ctx, r.pool, supplierID)
}

func supplierOpening(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, supplierID int64) (float64, error) {
	var opening float64
	err := q.QueryRow(ctx, `SELECT opening_balance FROM suppliers WHERE id=$1 AND NOT deleted`, supplierID).Scan(&opening)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return opening, nil
}

// ActiveSupplierIDs lists all suppliers that have not been soft deleted.
func (r *Repository) ActiveSupplierIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM suppliers WHERE NOT deleted ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAgingEntries returns outstanding dues joined with supplier names.
func (r *Repository) ListAgingEntries(ctx context.Context, asOf time.Time) ([]AgingEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.supplier_id, s.name, p.purchase_date, p.payment_due
		FROM purchases p JOIN suppliers s ON s.id = p.supplier_id
		WHERE NOT p.deleted AND p.payment_status <> $1 AND p.payment_due > 0 AND p.purchase_date <= $2
		ORDER BY s.name, p.purchase_date, p.id`, PaymentPaid, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []AgingEntry
	for rows.Next() {
		var e AgingEntry
		if err := rows.Scan(&e.SupplierID, &e.SupplierName, &e.PurchaseDate, &e.Due); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Transactional operations

// AcquireSupplierLock takes the transaction-scoped advisory lock that
// serialises payment writes for one supplier. Released on commit/rollback.
func (tx *txRepo) AcquireSupplierLock(ctx context.Context, supplierID int64) error {
	_, err := tx.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, shared.SupplierPaymentLockID(supplierID))
	return err
}

func (tx *txRepo) GetSupplierOpening(ctx context.Context, supplierID int64) (float64, error) {
	return supplierOpening(ctx, tx.tx, supplierID)
}

func (tx *txRepo) GetOrderForInvoice(ctx context.Context, orderID int64) (OrderForInvoice, error) {
	var order OrderForInvoice
	err := tx.tx.QueryRow(ctx, `SELECT id, supplier_id, status, used_for_purchase, shipping_charges
		FROM purchase_orders WHERE id=$1 FOR UPDATE`, orderID).
		Scan(&order.ID, &order.SupplierID, &order.Status, &order.IsUsedForPurchase, &order.ShippingCharges)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OrderForInvoice{}, ErrNotFound
		}
		return OrderForInvoice{}, err
	}
	rows, err := tx.tx.Query(ctx, `SELECT `+lineColumns+` FROM po_lines WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return OrderForInvoice{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l procurement.LineItem
		var discountType string
		if err := rows.Scan(&l.ProductID, &l.ProductName, &l.Quantity, &l.UnitCostBeforeTax,
			&discountType, &l.Discount.Value, &l.TaxRatePercent,
			&l.SubtotalBeforeTax, &l.TaxAmount, &l.NetCostPerUnit, &l.LineTotal); err != nil {
			return OrderForInvoice{}, err
		}
		l.Discount.Type = pricing.DiscountType(discountType)
		order.Lines = append(order.Lines, l)
	}
	return order, rows.Err()
}

func (tx *txRepo) MarkOrderUsedForPurchase(ctx context.Context, orderID int64) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET used_for_purchase=true WHERE id=$1`, orderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *txRepo) CreatePurchase(ctx context.Context, p Purchase) (int64, error) {
	var sourceOrder any
	if p.SourceOrderID != 0 {
		sourceOrder = p.SourceOrderID
	}
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO purchases
		(number, supplier_id, source_order_id, purchase_date, shipping_charges, grand_total, purchase_total, payment_amount, payment_due, payment_status, used_for_goods, deleted, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, false, false, $10, NOW()) RETURNING id`,
		p.Number, p.SupplierID, sourceOrder, p.PurchaseDate, p.ShippingCharges,
		p.GrandTotal, p.PurchaseTotal, p.PaymentDue, p.PaymentStatus, p.Note).Scan(&id)
	if err != nil {
		return 0, err
	}
	for _, l := range p.Lines {
		_, err := tx.tx.Exec(ctx, `INSERT INTO purchase_lines (purchase_id, `+lineColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			id, l.ProductID, l.ProductName, l.Quantity, l.UnitCostBeforeTax,
			string(l.Discount.Type), l.Discount.Value, l.TaxRatePercent,
			l.SubtotalBeforeTax, l.TaxAmount, l.NetCostPerUnit, l.LineTotal)
		if err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (tx *txRepo) GetPurchaseForUpdate(ctx context.Context, id int64) (Purchase, error) {
	p, err := scanPurchase(tx.tx.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Purchase{}, err
	}
	p.Lines, err = loadPurchaseLines(ctx, tx.tx, id)
	return p, err
}

func (tx *txRepo) MarkPurchaseDeleted(ctx context.Context, id int64) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE purchases SET deleted=true WHERE id=$1 AND NOT deleted`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *txRepo) CreatePayment(ctx context.Context, p Payment) (int64, error) {
	var purchaseRef any
	if p.PurchaseID != 0 {
		purchaseRef = p.PurchaseID
	}
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO payments (number, supplier_id, purchase_id, amount, method, reference, note, paid_date, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW()) RETURNING id`,
		p.Number, p.SupplierID, purchaseRef, p.Amount, p.Method, p.Reference, p.Note, p.PaidDate, p.Status).Scan(&id)
	return id, err
}

func (tx *txRepo) GetPayment(ctx context.Context, id int64) (Payment, error) {
	return scanPayment(tx.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id))
}

func (tx *txRepo) MarkPaymentDeleted(ctx context.Context, id int64) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE payments SET status=$2 WHERE id=$1 AND status<>$2`, id, PaymentDeleted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *txRepo) ListPaymentsForPurchase(ctx context.Context, purchaseID int64) ([]Payment, error) {
	rows, err := tx.tx.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE purchase_id=$1 ORDER BY id`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (tx *txRepo) UpdatePurchaseSettlement(ctx context.Context, id int64, paid, due float64, status PaymentStatus) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE purchases SET payment_amount=$2, payment_due=$3, payment_status=$4 WHERE id=$1`, id, paid, due, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
