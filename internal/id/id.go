package id

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// New returns a random job identifier prefixed with "job_".
func New() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "job_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "job_" + hex.EncodeToString(b[:])
}
