package shared

import "fmt"

// DebtAccountLockKey builds the advisory lock key guarding one ledger account.
func DebtAccountLockKey(accountType string, accountID int64) string {
	return fmt.Sprintf("debt:%s:%d:lock", accountType, accountID)
}
