package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// LedgerError describes a rejected ledger operation.
// The ledger state is unchanged whenever one is returned.
type LedgerError struct {
	Op     string // Operation that failed (e.g., "create", "buy", "resell")
	ItemID ItemID // Zero when the operation does not address an item
	Err    error  // One of the Err* sentinels below
}

func (e *LedgerError) Error() string {
	if e.ItemID == 0 {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " item " + e.ItemID.String() + ": " + e.Err.Error()
}

// IsRetriable is true only for transfer failures: the identical request may
// succeed later. Everything else needs a corrected request.
func (e *LedgerError) IsRetriable() bool {
	return errors.Is(e.Err, ErrTransferFailed)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// NewLedgerError creates a new ledger error for op
func NewLedgerError(op string, id ItemID, err error) *LedgerError {
	return &LedgerError{Op: op, ItemID: id, Err: err}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrInvalidPrice is returned when a listing price is not strictly positive.
	ErrInvalidPrice = errors.New("invalid price")

	// ErrInsufficientFee is returned when the attached fee differs from the listing fee rate.
	ErrInsufficientFee = errors.New("listing fee must equal the current rate")

	// ErrWrongPrice is returned when the attached payment differs from the item price.
	ErrWrongPrice = errors.New("payment must equal the asking price")

	// ErrNotForSale is returned when buying an item that is not listed.
	ErrNotForSale = errors.New("item is not for sale")

	// ErrNotOwner is returned when a non-owner tries to resell an item.
	ErrNotOwner = errors.New("caller does not own the item")

	// ErrNotFound is returned for item ids that were never allocated.
	ErrNotFound = errors.New("item not found")

	// ErrUnauthorized is returned when a non-administrator calls a privileged operation.
	ErrUnauthorized = errors.New("caller is not the administrator")

	// ErrTransferFailed is returned when the payment transfer could not be completed. Retriable.
	ErrTransferFailed = errors.New("payment transfer failed")

	// ErrInsufficientBalance is returned when withdrawing more than the accumulated fees.
	ErrInsufficientBalance = errors.New("insufficient treasury balance")

	// ErrInvalidContent is returned when the content pointer is empty.
	ErrInvalidContent = errors.New("content pointer is required")

	// ErrInvalidAccount is returned when the caller identity is empty.
	ErrInvalidAccount = errors.New("caller account is required")

	// ErrInvalidAmount is returned for a withdrawal that is not strictly positive
	// or a negative listing fee rate.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
