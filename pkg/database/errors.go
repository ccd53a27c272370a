package database

import (
	"errors"
	"strings"

	"github.com/Ramsey-B/willow/pkg/retry"
	"github.com/lib/pq"
)

// IsTransient reports database failures that may succeed on a new attempt:
// lost connections, resource exhaustion, shutdowns and serialization conflicts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, "08"): // connection exception
			return true
		case strings.HasPrefix(code, "53"): // insufficient resources
			return true
		case code == "57P01", code == "57P02", code == "57P03": // admin/crash shutdown, cannot connect now
			return true
		case code == "40001", code == "40P01": // serialization failure, deadlock
			return true
		}
		return false
	}

	return retry.IsNetwork(err)
}
