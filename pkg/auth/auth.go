// Package auth decodes users from JWTs. Any token that fails to parse or
// validate yields a nil user: callers treat that as "not logged in".
// Tokens are only trusted when signed with the configured secret, or when the
// decoder was explicitly built with AllowUnverified.
package auth

import (
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

type User struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

func (u *User) HasRole(role string) bool {
	if u == nil {
		return false
	}
	return slices.Contains(u.Roles, role)
}

// DisplayName prefers the name, then the email, then the id.
func (u *User) DisplayName() string {
	switch {
	case u == nil:
		return ""
	case u.Name != "":
		return u.Name
	case u.Email != "":
		return u.Email
	}
	return u.ID
}

type Claims struct {
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) validateSchema() error {
	if strings.TrimSpace(c.Subject) == "" {
		return errors.New("token has no subject")
	}
	if strings.TrimSpace(c.Name) == "" && strings.TrimSpace(c.Email) == "" {
		return errors.New("token has neither name nor email")
	}
	if c.Email != "" && !strings.Contains(c.Email, "@") {
		return errors.Errorf("malformed email %q", c.Email)
	}
	return nil
}

// Decoder turns tokens into users. Without a secret it rejects every token unless
// AllowUnverified was given.
type Decoder struct {
	secret     []byte
	unverified bool
	now        func() time.Time
}

type Option func(*Decoder)

// WithSecret enables HMAC signature verification.
func WithSecret(secret string) Option {
	return func(d *Decoder) {
		if secret != "" {
			d.secret = []byte(secret)
		}
	}
}

// AllowUnverified accepts tokens without checking their signature when no secret is set.
// Claims, expiry and not-before are still checked. Local development only.
func AllowUnverified() Option {
	return func(d *Decoder) { d.unverified = true }
}

func WithClock(now func() time.Time) Option {
	return func(d *Decoder) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Decoder) Verifies() bool { return len(d.secret) > 0 }

// Accepts reports whether any token can yield a user.
func (d *Decoder) Accepts() bool { return d.Verifies() || d.unverified }

// Decode returns the user carried by token, or nil.
func (d *Decoder) Decode(token string) *User {
	u, _ := d.Inspect(token)
	return u
}

// Inspect is Decode with the reason a token was rejected.
func (d *Decoder) Inspect(token string) (*User, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, errors.New("empty token")
	}
	claims := &Claims{}
	if d.Verifies() {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return d.secret, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithTimeFunc(d.now))
		if err != nil {
			return nil, errors.Wrap(err, "verify token")
		}
	} else {
		if !d.unverified {
			return nil, errors.New("token verification is not configured")
		}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, errors.Wrap(err, "parse token")
		}
		now := d.now()
		if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
			return nil, errors.New("token is expired")
		}
		if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
			return nil, errors.New("token is not valid yet")
		}
	}
	if err := claims.validateSchema(); err != nil {
		return nil, err
	}
	return &User{
		ID:    claims.Subject,
		Name:  claims.Name,
		Email: claims.Email,
		Roles: append([]string(nil), claims.Roles...),
	}, nil
}

// Sign issues an HS256 token for u. Used by the dev CLI and tests.
func Sign(secret string, u User, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("signing secret is empty")
	}
	claims := Claims{
		Name:  u.Name,
		Email: u.Email,
		Roles: u.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  u.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
