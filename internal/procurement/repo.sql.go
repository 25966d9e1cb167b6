package procurement

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vantage-erp/vantage-erp/internal/platform/db"
	"github.com/vantage-erp/vantage-erp/internal/pricing"
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

const lineColumns = `product_id, product_name, qty, unit_cost, discount_type, discount_value, tax_rate, subtotal, tax_amount, net_unit_cost, line_total`

func scanLines(rows pgx.Rows) ([]LineItem, error) {
	defer rows.Close()
	var lines []LineItem
	for rows.Next() {
		var l LineItem
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

// GetRequisition returns the requisition and its lines.
func (r *Repository) GetRequisition(ctx context.Context, id int64) (Requisition, []LineItem, error) {
	var req Requisition
	err := r.pool.QueryRow(ctx, `SELECT id, number, supplier_id, location_id, requested_by, status, COALESCE(order_id, 0), note, created_at
		FROM requisitions WHERE id=$1`, id).
		Scan(&req.ID, &req.Number, &req.SupplierID, &req.LocationID, &req.RequestedBy, &req.Status, &req.OrderID, &req.Note, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requisition{}, nil, ErrNotFound
		}
		return Requisition{}, nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+lineColumns+` FROM requisition_lines WHERE requisition_id=$1 ORDER BY id`, id)
	if err != nil {
		return Requisition{}, nil, err
	}
	lines, err := scanLines(rows)
	if err != nil {
		return Requisition{}, nil, err
	}
	return req, lines, nil
}

const orderColumns = `id, reference_no, supplier_id, location_id, status, shipping_status, shipping_charges, order_total, products_total, used_for_goods, used_for_purchase, note, created_at`

func scanOrder(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := row.Scan(&po.ID, &po.ReferenceNo, &po.SupplierID, &po.LocationID, &po.Status, &po.ShippingStatus,
		&po.ShippingCharges, &po.OrderTotal, &po.ProductsTotal, &po.IsUsedForGoods, &po.IsUsedForPurchase, &po.Note, &po.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	return po, nil
}

func loadOrderLines(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, orderID int64) ([]LineItem, error) {
	rows, err := q.Query(ctx, `SELECT `+lineColumns+` FROM po_lines WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	return scanLines(rows)
}

// GetOrder returns the order with its lines.
func (r *Repository) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM purchase_orders WHERE id=$1`, id))
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Lines, err = loadOrderLines(ctx, r.pool, id)
	return po, err
}

// ListOrders returns orders matching filters with a total count.
func (r *Repository) ListOrders(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error) {
	query := `SELECT ` + orderColumns + ` FROM purchase_orders WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM purchase_orders WHERE 1=1`
	var args []any
	var clauses string
	if filters.Status != "" {
		args = append(args, filters.Status)
		clauses += ` AND status=$` + itoa(len(args))
	}
	if filters.SupplierID != 0 {
		args = append(args, filters.SupplierID)
		clauses += ` AND supplier_id=$` + itoa(len(args))
	}
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		clauses += ` AND reference_no ILIKE $` + itoa(len(args))
	}
	switch filters.AvailableFor {
	case "goods":
		clauses += ` AND NOT used_for_goods AND status NOT IN ('COMPLETED','CANCELLED')`
	case "purchase":
		clauses += ` AND NOT used_for_purchase AND status <> 'CANCELLED'`
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery+clauses, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, filters.Limit)
	limitClause := ` ORDER BY created_at DESC, id DESC LIMIT $` + itoa(len(args))
	args = append(args, filters.Offset)
	limitClause += ` OFFSET $` + itoa(len(args))

	rows, err := r.pool.Query(ctx, query+clauses+limitClause, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var orders []PurchaseOrder
	for rows.Next() {
		po, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, po)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range orders {
		orders[i].Lines, err = loadOrderLines(ctx, r.pool, orders[i].ID)
		if err != nil {
			return nil, 0, err
		}
	}
	return orders, total, nil
}

const receiptColumns = `id, number, source_kind, source_id, supplier_id, received_date, is_partial, deleted, created_at`

func scanReceipt(row pgx.Row) (GoodsReceipt, error) {
	var grn GoodsReceipt
	err := row.Scan(&grn.ID, &grn.Number, &grn.Source.Kind, &grn.Source.ID, &grn.SupplierID,
		&grn.ReceivedDate, &grn.IsPartialDelivery, &grn.Deleted, &grn.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GoodsReceipt{}, ErrNotFound
		}
		return GoodsReceipt{}, err
	}
	return grn, nil
}

func loadReceiptLines(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, receiptID int64) ([]ReceiptLine, error) {
	rows, err := q.Query(ctx, `SELECT product_id, product_name, ordered_qty, received_qty, pending_qty, pending_reason
		FROM receipt_lines WHERE receipt_id=$1 ORDER BY id`, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []ReceiptLine
	for rows.Next() {
		var l ReceiptLine
		if err := rows.Scan(&l.ProductID, &l.ProductName, &l.OrderedQuantity, &l.ReceivedQuantity, &l.PendingQuantity, &l.PendingReason); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// GetReceipt returns a receipt with its lines, deleted or not.
func (r *Repository) GetReceipt(ctx context.Context, id int64) (GoodsReceipt, error) {
	grn, err := scanReceipt(r.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM goods_receipts WHERE id=$1`, id))
	if err != nil {
		return GoodsReceipt{}, err
	}
	grn.Lines, err = loadReceiptLines(ctx, r.pool, id)
	return grn, err
}

// ListReceiptsForSource returns all non-deleted receipts for a source.
func (r *Repository) ListReceiptsForSource(ctx context.Context, src SourceRef) ([]GoodsReceipt, error) {
	return listReceiptsForSource(ctx, r.pool, src)
}

func listReceiptsForSource(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, src SourceRef) ([]GoodsReceipt, error) {
	rows, err := q.Query(ctx, `SELECT `+receiptColumns+` FROM goods_receipts
		WHERE source_kind=$1 AND source_id=$2 AND NOT deleted ORDER BY id`, src.Kind, src.ID)
	if err != nil {
		return nil, err
	}
	var receipts []GoodsReceipt
	for rows.Next() {
		grn, err := scanReceipt(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		receipts = append(receipts, grn)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range receipts {
		receipts[i].Lines, err = loadReceiptLines(ctx, q, receipts[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return receipts, nil
}

// ListShippingEvents returns the shipping activity log, newest last.
func (r *Repository) ListShippingEvents(ctx context.Context, orderID int64) ([]ShippingEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, order_id, status, note, created_at FROM shipping_events WHERE order_id=$1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []ShippingEvent
	for rows.Next() {
		var ev ShippingEvent
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.Status, &ev.Note, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Transactional operations

func (tx *txRepo) CreateRequisition(ctx context.Context, req Requisition, lines []LineItem) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO requisitions (number, supplier_id, location_id, requested_by, status, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW()) RETURNING id`,
		req.Number, req.SupplierID, req.LocationID, req.RequestedBy, req.Status, req.Note).Scan(&id)
	if err != nil {
		return 0, err
	}
	for _, l := range lines {
		if err := insertLine(ctx, tx.tx, "requisition_lines", "requisition_id", id, l); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func insertLine(ctx context.Context, tx pgx.Tx, table, fk string, parentID int64, l LineItem) error {
	_, err := tx.Exec(ctx, `INSERT INTO `+table+` (`+fk+`, `+lineColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		parentID, l.ProductID, l.ProductName, l.Quantity, l.UnitCostBeforeTax,
		string(l.Discount.Type), l.Discount.Value, l.TaxRatePercent,
		l.SubtotalBeforeTax, l.TaxAmount, l.NetCostPerUnit, l.LineTotal)
	return err
}

func (tx *txRepo) GetRequisitionForUpdate(ctx context.Context, id int64) (Requisition, error) {
	var req Requisition
	err := tx.tx.QueryRow(ctx, `SELECT id, number, supplier_id, location_id, requested_by, status, COALESCE(order_id, 0), note, created_at
		FROM requisitions WHERE id=$1 FOR UPDATE`, id).
		Scan(&req.ID, &req.Number, &req.SupplierID, &req.LocationID, &req.RequestedBy, &req.Status, &req.OrderID, &req.Note, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requisition{}, ErrNotFound
		}
		return Requisition{}, err
	}
	return req, nil
}

func (tx *txRepo) UpdateRequisitionStatus(ctx context.Context, id int64, status RequisitionStatus, orderID int64) error {
	var orderRef any
	if orderID != 0 {
		orderRef = orderID
	}
	tag, err := tx.tx.Exec(ctx, `UPDATE requisitions SET status=$2, order_id=$3 WHERE id=$1`, id, status, orderRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *txRepo) CreateOrder(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO purchase_orders
		(reference_no, supplier_id, location_id, status, shipping_status, shipping_charges, order_total, products_total, used_for_goods, used_for_purchase, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, false, $9, NOW()) RETURNING id`,
		po.ReferenceNo, po.SupplierID, po.LocationID, po.Status, po.ShippingStatus,
		po.ShippingCharges, po.OrderTotal, po.ProductsTotal, po.Note).Scan(&id)
	if err != nil {
		return 0, err
	}
	for _, l := range po.Lines {
		if err := insertLine(ctx, tx.tx, "po_lines", "order_id", id, l); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (tx *txRepo) GetOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := scanOrder(tx.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM purchase_orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Lines, err = loadOrderLines(ctx, tx.tx, id)
	return po, err
}

func (tx *txRepo) UpdateOrderReceiptState(ctx context.Context, id int64, status OrderStatus, usedForGoods bool) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET status=$2, used_for_goods=$3 WHERE id=$1`, id, status, usedForGoods)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *txRepo) CancelOrder(ctx context.Context, id int64) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET status=$2 WHERE id=$1`, id, OrderCancelled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *txRepo) ListReceiptsForSource(ctx context.Context, src SourceRef) ([]GoodsReceipt, error) {
	return listReceiptsForSource(ctx, tx.tx, src)
}

func (tx *txRepo) CreateReceipt(ctx context.Context, grn GoodsReceipt) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO goods_receipts (number, source_kind, source_id, supplier_id, received_date, is_partial, deleted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, NOW()) RETURNING id`,
		grn.Number, grn.Source.Kind, grn.Source.ID, grn.SupplierID, grn.ReceivedDate, grn.IsPartialDelivery).Scan(&id)
	if err != nil {
		return 0, err
	}
	for _, l := range grn.Lines {
		_, err := tx.tx.Exec(ctx, `INSERT INTO receipt_lines (receipt_id, product_id, product_name, ordered_qty, received_qty, pending_qty, pending_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, l.ProductID, l.ProductName, l.OrderedQuantity, l.ReceivedQuantity, l.PendingQuantity, l.PendingReason)
		if err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (tx *txRepo) MarkReceiptDeleted(ctx context.Context, id int64) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE goods_receipts SET deleted=true WHERE id=$1 AND NOT deleted`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *txRepo) GetDirectPurchaseForUpdate(ctx context.Context, id int64) (DirectPurchase, error) {
	var dp DirectPurchase
	err := tx.tx.QueryRow(ctx, `SELECT id, supplier_id, used_for_goods FROM purchases WHERE id=$1 AND source_order_id IS NULL FOR UPDATE`, id).
		Scan(&dp.ID, &dp.SupplierID, &dp.IsUsedForGoods)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DirectPurchase{}, ErrNotFound
		}
		return DirectPurchase{}, err
	}
	rows, err := tx.tx.Query(ctx, `SELECT `+lineColumns+` FROM purchase_lines WHERE purchase_id=$1 ORDER BY id`, id)
	if err != nil {
		return DirectPurchase{}, err
	}
	dp.Lines, err = scanLines(rows)
	return dp, err
}

func (tx *txRepo) MarkPurchaseUsedForGoods(ctx context.Context, id int64) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE purchases SET used_for_goods=true WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *txRepo) UpdateShippingStatus(ctx context.Context, orderID int64, status ShippingStatus) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET shipping_status=$2 WHERE id=$1`, orderID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *txRepo) AppendShippingEvent(ctx context.Context, event ShippingEvent) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO shipping_events (order_id, status, note, created_at) VALUES ($1, $2, $3, NOW()) RETURNING id`,
		event.OrderID, event.Status, event.Note).Scan(&id)
	return id, err
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
