package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/storefront/internal/domain"
)

// Identity is the verified buyer behind a request.
type Identity struct {
	UID       string
	Email     string
	Name      string
	Phone     string
	Anonymous bool

	// profile is the memoised Firebase user record lookup; nil when no UserGetter is wired.
	profile func() (*firebaseauth.UserRecord, error)
}

// Contact returns the details attached to orders. Token claims win; blanks are filled from the
// Firebase user record, and a failed lookup leaves them blank.
func (i *Identity) Contact() domain.Contact {
	if i == nil {
		return domain.Contact{}
	}
	c := domain.Contact{Name: i.Name, Email: i.Email, Phone: i.Phone}
	if i.profile == nil || (c.Name != "" && c.Email != "" && c.Phone != "") {
		return c
	}
	record, err := i.profile()
	if err != nil || record == nil || record.UserInfo == nil {
		return c
	}
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = strings.TrimSpace(src)
		}
	}
	fill(&c.Name, record.DisplayName)
	fill(&c.Email, record.Email)
	fill(&c.Phone, record.PhoneNumber)
	return c
}

type identityKey struct{}

// WithIdentity returns ctx carrying identity.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok && identity != nil
}
