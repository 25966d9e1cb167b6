package shared

import "fmt"

// paymentLockNamespace keeps supplier payment advisory locks from colliding
// with other advisory lock users on the same database.
const paymentLockNamespace int64 = 0x5041594D << 16

// SupplierPaymentLockID builds the pg_advisory_xact_lock key that serialises
// payment writes for one supplier.
func SupplierPaymentLockID(supplierID int64) int64 {
	return paymentLockNamespace ^ supplierID
}

// SupplierBalanceKey builds the cache key for a supplier's running balance.
func SupplierBalanceKey(supplierID int64) string {
	return fmt.Sprintf("ledger:supplier:%d:balance", supplierID)
}
