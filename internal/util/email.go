package util

import "strings"

// NormalizeEmail trims surrounding whitespace and lowercases the address so it
// can be compared and stored consistently. Email local-parts are technically
// case-sensitive per RFC, but delivery-status feeds and user records disagree
// on casing often enough that case-insensitive matching is the only useful
// behavior.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
