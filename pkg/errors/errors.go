package errors

import "errors"

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrEmailExists         = errors.New("email already registered")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrNilTransaction      = errors.New("transaction is nil")
	ErrInvalidKind         = errors.New("invalid transaction kind")
	ErrInvalidAmount       = errors.New("invalid transaction amount")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrGenerationNotFound  = errors.New("generation not found")
	ErrDuplicateRequest    = errors.New("request already processed")
	ErrProviderFailure     = errors.New("image generation failed")
	ErrRefundFailed        = errors.New("refund failed after generation error")
	ErrForbidden           = errors.New("operation not allowed for role")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInternal            = errors.New("internal error")
)
