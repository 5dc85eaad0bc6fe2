package util

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"time"
)

// oneWayNameEncoding encodes hashes to a 32-character set that is safe in
// file names, object keys and database columns.
var oneWayNameEncoding = base32.NewEncoding("bcdfghijklmnpqrstvwxyz0123456789").WithPadding(base32.NoPadding)

// InputHash returns a string that hashes the unique parts of the input to avoid collisions.
func InputHash(inputs ...[]byte) string {
	hash := sha256.New()

	// the inputs form a part of the hash
	for _, s := range inputs {
		hash.Write(s)
	}

	// Names can't be too long so we truncate the hash.
	return oneWayNameEncoding.EncodeToString(hash.Sum(nil)[:10])
}

// RunName names a training run after its channel, start time and the
// digest of the artifact it produced.
func RunName(channel string, started time.Time, digest string) string {
	return fmt.Sprintf("%s-%s", channel, InputHash([]byte(channel), []byte(started.UTC().Format(time.RFC3339Nano)), []byte(digest)))
}
