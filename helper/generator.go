package helper

import (
	"crypto/rand"

	"github.com/hashicorp/go-secure-stdlib/base62"
	uuid "github.com/hashicorp/go-uuid"
	"github.com/oklog/ulid"
)

// GenerateTokenValue generates an opaque token value. UUIDs keep the wire
// format identical across access and refresh tokens.
func GenerateTokenValue() string {
	value, err := uuid.GenerateUUID()
	if err != nil {
		// Only reachable when the platform entropy source is broken.
		panic(err)
	}
	return value
}

// GenerateSecret generates a base62 secret of the given length
func GenerateSecret(length int) string {
	secret, err := base62.Random(length)
	if err != nil {
		panic(err)
	}
	return secret
}

// GenerateRequestID returns a sortable unique request identifier
func GenerateRequestID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
