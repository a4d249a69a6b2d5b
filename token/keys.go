package token

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/stephnangue/grantor/auth"
)

// ExtractKey derives the storage lookup key for a raw token value: a
// deterministic, one-way, fixed-width hex digest. The empty string means
// "no token" and maps to "no key" without invoking the hash.
//
// MD5 is kept deliberately: the key is an index, not an integrity check,
// and changing the algorithm would orphan every stored record.
func ExtractKey(value string) string {
	if value == "" {
		return ""
	}
	digest := md5.Sum([]byte(value))
	return hex.EncodeToString(digest[:])
}

// AuthenticationKeyGenerator derives the key identifying a logical session:
// the (client, principal, scopes) tuple of an authentication. The
// serialization is canonical and order-independent so two logically
// identical grants always map to the same key.
type AuthenticationKeyGenerator struct{}

// ExtractKey computes the authentication key for the given authentication.
func (AuthenticationKeyGenerator) ExtractKey(a *auth.Authentication) string {
	values := make(map[string]string, 3)
	if !a.IsClientOnly() {
		values["username"] = a.Username()
	}
	values["client_id"] = a.ClientID
	if len(a.Scopes) > 0 {
		scopes := append([]string(nil), a.Scopes...)
		sort.Strings(scopes)
		values["scope"] = strings.Join(scopes, " ")
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, key := range keys {
		if i > 0 {
			sb.WriteString("&")
		}
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(values[key])
	}

	digest := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(digest[:])
}
