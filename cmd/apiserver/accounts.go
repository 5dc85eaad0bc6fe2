package main

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
)

// accounts maps user names to password digests. It is filled once at
// startup and only read afterwards.
type accounts map[string][sha256.Size]byte

// parseAccounts reads "user:password" pairs separated by commas. Passwords
// may contain colons; the first colon separates the user name.
func parseAccounts(raw string) (accounts, error) {
	result := accounts{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, password, ok := strings.Cut(entry, ":")
		if !ok || user == "" || password == "" {
			return nil, fmt.Errorf("invalid account entry %q, expected user:password", entry)
		}
		if _, exists := result[user]; exists {
			return nil, fmt.Errorf("account %q is defined more than once", user)
		}
		result[user] = sha256.Sum256([]byte(password))
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no accounts configured")
	}
	return result, nil
}

// verify reports whether the credentials match a known account. Unknown
// users still go through the digest comparison.
func (a accounts) verify(user, password string) bool {
	want, known := a[user]
	got := sha256.Sum256([]byte(password))
	match := subtle.ConstantTimeCompare(got[:], want[:]) == 1
	return known && match
}
