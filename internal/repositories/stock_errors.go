package repositories

import "fmt"

// StockErrorCode enumerates causes of stock ledger failures.
type StockErrorCode string

const (
	StockErrorUnknown StockErrorCode = "stock_unknown"
	// StockErrorInsufficient means the conditional decrement matched no row.
	StockErrorInsufficient StockErrorCode = "stock_insufficient"
	// StockErrorOwnerNotFound means the product or variant row is missing.
	StockErrorOwnerNotFound StockErrorCode = "stock_owner_not_found"
)

// StockError reports a failed stock mutation for one catalog row.
type StockError struct {
	Code    StockErrorCode
	OwnerID string
	// Available is the stock observed when an insufficient decrement was rejected.
	Available int
	Message   string
	Err       error
}

func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	if e.OwnerID != "" {
		return fmt.Sprintf("stock %s: %s", e.OwnerID, e.Message)
	}
	return e.Message
}

func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound implements RepositoryError.
func (e *StockError) IsNotFound() bool { return e != nil && e.Code == StockErrorOwnerNotFound }

// IsConflict implements RepositoryError; running out of stock is a conflict on the counter.
func (e *StockError) IsConflict() bool { return e != nil && e.Code == StockErrorInsufficient }

// IsUnavailable implements RepositoryError.
func (e *StockError) IsUnavailable() bool { return false }

// NewStockError constructs a typed stock error.
func NewStockError(code StockErrorCode, ownerID, message string, err error) *StockError {
	if message == "" {
		message = string(code)
	}
	return &StockError{
		Code:    code,
		OwnerID: ownerID,
		Message: message,
		Err:     err,
	}
}

// NewInsufficientStockError reports a rejected decrement together with the stock left on the row.
func NewInsufficientStockError(ownerID string, requested, available int) *StockError {
	if available < 0 {
		available = 0
	}
	return &StockError{
		Code:      StockErrorInsufficient,
		OwnerID:   ownerID,
		Available: available,
		Message:   fmt.Sprintf("requested %d, %d available", requested, available),
	}
}
