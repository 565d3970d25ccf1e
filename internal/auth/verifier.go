// Package auth verifies bearer credentials and resolves them to user identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulBabatuyi/carhub-realtime/internal/data"
	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	ErrInvalidCredential  = errors.New("invalid credential")
	ErrExpired            = errors.New("token expired")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrAccountUnconfirmed = errors.New("account not confirmed")
)

// defaultRole is used for accounts without an explicit role tag.
const defaultRole = "authenticated"

// Identity is the resolved user behind a credential.
type Identity struct {
	UserID      string `json:"id"`
	DisplayName string `json:"username"`
	Role        string `json:"role"`
}

// AccountLookup is the subset of the users store the verifier needs.
type AccountLookup interface {
	GetUserByID(ctx context.Context, id bson.ObjectID) (*data.User, error)
}

// Verifier turns an opaque bearer credential into an Identity.
type Verifier struct {
	tokens   *JWTManager
	accounts AccountLookup
}

// NewVerifier wires a verifier from a token manager and an account lookup.
func NewVerifier(tokens *JWTManager, accounts AccountLookup) *Verifier {
	return &Verifier{tokens: tokens, accounts: accounts}
}

// Verify validates the credential and loads the account it belongs to.
// Returned errors always wrap one of the package sentinels.
func (v *Verifier) Verify(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(credential), "Bearer"))
	if credential == "" {
		return Identity{}, ErrInvalidCredential
	}

	claims, err := v.tokens.VerifyToken(credential)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpired
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	subject := claims.UserID
	if subject == "" {
		subject = claims.Subject
	}
	id, err := bson.ObjectIDFromHex(subject)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: bad subject", ErrInvalidCredential)
	}

	user, err := v.accounts.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return Identity{}, fmt.Errorf("%w: user not found", ErrInvalidCredential)
		}
		return Identity{}, fmt.Errorf("load account: %w", err)
	}
	if user.Blocked {
		return Identity{}, ErrAccountDisabled
	}
	if !user.Confirmed {
		return Identity{}, ErrAccountUnconfirmed
	}

	role := user.Role
	if role == "" {
		role = defaultRole
	}
	return Identity{UserID: user.ID.Hex(), DisplayName: user.Username, Role: role}, nil
}

// Reason maps a verification error to the short reason string sent to clients.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "token expired"
	case errors.Is(err, ErrAccountDisabled):
		return "account disabled"
	case errors.Is(err, ErrAccountUnconfirmed):
		return "account not confirmed"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid credential"
	default:
		return "authentication failed"
	}
}
