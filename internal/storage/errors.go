package storage

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

var (
	// ErrAPIKeyNotFound is returned when an API key is not found
	ErrAPIKeyNotFound = errors.New("API key not found")

	// ErrAPIKeyExists is returned when inserting a key that is already stored
	ErrAPIKeyExists = errors.New("API key already exists")

	// ErrWebhookNotFound is returned when a webhook is not found
	ErrWebhookNotFound = errors.New("webhook not found")

	// ErrInvalidRateLimit is returned for a negative rate limit
	ErrInvalidRateLimit = errors.New("rate limit must not be negative")

	// ErrUnsupportedDriver is returned for a database driver other than postgres or mysql
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

// isUniqueViolation reports whether err is a primary key or unique index conflict.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}
