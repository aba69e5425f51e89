package utils

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// ValidationError reports rejected input. The message is display-ready and
// names the offending value.
type ValidationError struct {
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Message
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrNotConnected returns an error when no integration credential exists
// for the user.
func ErrNotConnected(provider, user string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("no %s integration for user %s", provider, user),
		Suggestion: fmt.Sprintf("Run 'todosync connect --user %s' to link the account", user),
	}
}

// ErrReconnectRequired returns an error when a stored credential can no
// longer be decrypted or the provider rejected it. This is always fatal to a
// sync pass and must never be reported as "nothing to sync".
func ErrReconnectRequired(provider, user, reason string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("%s integration for user %s needs reconnection: %s", provider, user, reason),
		Suggestion: fmt.Sprintf("Run 'todosync connect --user %s' to re-authorize", user),
	}
}

// ErrAuthenticationFailed returns an error when the provider rejects the token.
func ErrAuthenticationFailed(provider string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("authentication failed for %s", provider),
		Suggestion: "Verify the API token is correct and has not expired",
	}
}

// ErrProviderOffline returns an error when the provider is unreachable with
// smart suggestions.
func ErrProviderOffline(name, reason string) error {
	suggestion := getSmartSuggestion(reason)
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("provider %s is unreachable: %s", name, reason),
		Suggestion: suggestion,
	}
}

// getSmartSuggestion returns a context-aware suggestion based on the error reason.
func getSmartSuggestion(reason string) string {
	lowerReason := strings.ToLower(reason)

	if strings.Contains(lowerReason, "no such host") || strings.Contains(lowerReason, "dns") {
		return "Check your DNS settings and internet connection"
	}

	if strings.Contains(lowerReason, "connection refused") {
		return "Check if the server is running and accessible"
	}

	if strings.Contains(lowerReason, "timeout") || strings.Contains(lowerReason, "i/o timeout") {
		return "The server may be slow or unreachable. Try again later"
	}

	return "Check your internet connection and try again"
}

// ErrListNotFound returns an error for when a list is not found.
func ErrListNotFound(listID string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("list not found: %s", listID),
		Suggestion: "Use 'todosync mappings list' to see the lists available for mapping",
	}
}

// ErrUnknownKey returns an error when a stored ciphertext references a key
// version that is no longer in the keyring.
func ErrUnknownKey(keyID string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("encryption key not in keyring: %s", keyID),
		Suggestion: "Restore the key entry in config, or reconnect the integration to re-encrypt under a current key",
	}
}

// ErrSyncInProgressFor returns an error when a pass is already running.
func ErrSyncInProgressFor(user string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("sync already in progress for user %s", user),
		Suggestion: "Wait for the current pass to finish, or pass --force to reset a stuck state",
	}
}

// ErrInvalidPriority returns an error for an invalid priority value.
func ErrInvalidPriority(priority int) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid priority: %d", priority),
		Suggestion: "Priority must be between 0 and 9",
	}
}

// ErrInvalidDate returns an error for an invalid date string.
func ErrInvalidDate(dateStr string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid date: %s", dateStr),
		Suggestion: "Use date format YYYY-MM-DD (e.g., 2026-01-15)",
	}
}

// ErrInvalidPrecision returns an error for an invalid due-date precision.
func ErrInvalidPrecision(precision string, valid []string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid due-date precision: %s", precision),
		Suggestion: fmt.Sprintf("Valid options: %s", strings.Join(valid, ", ")),
	}
}

// ErrInvalidResolution returns an error for an invalid conflict resolution.
func ErrInvalidResolution(resolution string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid resolution: %s", resolution),
		Suggestion: "Use 'local' to keep the local version or 'remote' to keep the provider's",
	}
}

// ErrCredentialsNotFound returns an error when credentials are missing.
func ErrCredentialsNotFound(provider, user string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("credentials not found for %s user %s", provider, user),
		Suggestion: fmt.Sprintf("Run 'todosync connect --user %s' to store an API token", user),
	}
}

// ErrNoVaultKeys returns an error when the keyring has no usable keys.
func ErrNoVaultKeys() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("no encryption keys configured"),
		Suggestion: "Run 'todosync keys generate' to create one",
	}
}
