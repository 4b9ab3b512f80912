package jobs

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
)

const (
	jobIDLength   = 15
	jobIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	tokenPrefix   = "tok_"
	tokenBytes    = 32
)

var jobIDRe = regexp.MustCompile(`^[A-Z0-9]{15}$`)

// NewJobID draws 15 independent uniform characters from [A-Z0-9]
func NewJobID() string {
	id := make([]byte, jobIDLength)
	max := big.NewInt(int64(len(jobIDAlphabet)))
	for i := range id {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
		}
		id[i] = jobIDAlphabet[n.Int64()]
	}
	return string(id)
}

// ValidJobID reports whether a string has the job-id shape
func ValidJobID(id string) bool {
	return jobIDRe.MatchString(id)
}

// NewBearerToken generates a tok_-prefixed hex token from 32 random bytes
func NewBearerToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return tokenPrefix + hex.EncodeToString(buf)
}
