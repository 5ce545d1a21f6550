package database

import (
	"errors"

	"github.com/lib/pq"
)

const (
	foreignKeyViolation = "23503"
	uniqueViolation     = "23505"
)

func pqErrorCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	return ""
}

// IsUniqueViolation reports whether err was caused by a unique constraint,
// e.g. registering an email address twice.
func IsUniqueViolation(err error) bool {
	return pqErrorCode(err) == uniqueViolation
}

// IsForeignKeyViolation reports whether err references a row that does not
// exist, e.g. joining an unknown prayer.
func IsForeignKeyViolation(err error) bool {
	return pqErrorCode(err) == foreignKeyViolation
}
