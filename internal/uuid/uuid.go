// Package uuid provides identifier generation for locally created records.
package uuid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransactionPrefix marks identifiers generated on the client while offline.
const TransactionPrefix = "offline_"

// suffixLen is the number of random characters after the timestamp.
const suffixLen = 9

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

var transactionIDRegex = regexp.MustCompile(`^offline_[0-9]+_[0-9a-z]{9}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewTransactionID returns an id of the form offline_<ms>_<suffix>.
// The suffix is taken from a fresh UUID v4, so two ids minted in the
// same millisecond still differ.
func NewTransactionID(now time.Time) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return TransactionPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "_" + raw[:suffixLen]
}

// IsTransactionID reports whether s was produced by NewTransactionID.
func IsTransactionID(s string) bool {
	return transactionIDRegex.MatchString(s)
}

// TransactionTime extracts the creation time embedded in a transaction id.
func TransactionTime(id string) (time.Time, error) {
	if !IsTransactionID(id) {
		return time.Time{}, fmt.Errorf("invalid transaction id: %q", id)
	}
	parts := strings.SplitN(strings.TrimPrefix(id, TransactionPrefix), "_", 2)
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid transaction timestamp: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}
