package namespace

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const fallbackPrefixLen = 12

// Identity is what the sync layer needs to know about the logged-in user.
type Identity struct {
	Subject   string
	Namespace string
}

// ParseIdentity reads the subject and optional namespace claim from a bearer
// JWT. The signature is not verified: the token was issued to us by the auth
// layer and is only used here to derive a scoping value.
func ParseIdentity(token string) (Identity, error) {
	if token == "" {
		return Identity{}, errors.New("empty token")
	}
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("unexpected claims type")
	}

	var id Identity
	if sub, err := claims.GetSubject(); err == nil {
		id.Subject = sub
	}
	if ns, ok := claims["namespace"].(string); ok {
		id.Namespace = ns
	}
	if id.Subject == "" {
		if uid, ok := claims["user_id"].(string); ok {
			id.Subject = uid
		}
	}
	return id, nil
}

// FallbackNamespace derives a namespace from the identity subject: "ns-"
// followed by the first 12 alphanumeric characters of the lower-cased
// subject. The same subject always yields the same namespace.
func FallbackNamespace(subject string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(subject) {
		if b.Len() >= fallbackPrefixLen {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "ns-" + b.String()
}
