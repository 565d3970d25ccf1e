package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/PaulBabatuyi/carhub-realtime/internal/normalize"
	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrNoSigningKey is returned when a manager is built without secret material.
var ErrNoSigningKey = errors.New("jwt: no signing secret configured")

// JWTManager signs and validates JWT tokens used by the API.
type JWTManager struct {
	keys      map[string][]byte // kid -> HMAC secret
	activeKID string            // kid used for signing; "" for single-secret mode
	duration  time.Duration     // How long tokens are valid (e.g., 24 hours)
}

// Claims is the custom JWT payload (user id + email).
type Claims struct {
	UserID               string `json:"user_id"` // MongoDB ObjectID converted to hex string
	Email                string `json:"email"`
	jwt.RegisteredClaims        // Includes ExpiresAt, IssuedAt, etc.
}

// NewJWTManager returns a JWTManager that signs with a single secret.
func NewJWTManager(secretKey string, duration time.Duration) (*JWTManager, error) {
	if secretKey == "" {
		return nil, ErrNoSigningKey
	}
	return &JWTManager{
		keys:     map[string][]byte{"": []byte(secretKey)},
		duration: duration,
	}, nil
}

// NewJWTManagerFromKeys returns a JWTManager backed by a key ring so secrets can
// be rotated: new tokens are signed with activeKID, and tokens carrying any
// known kid still verify.
func NewJWTManagerFromKeys(keys map[string]string, activeKID string, duration time.Duration) (*JWTManager, error) {
	if len(keys) == 0 {
		return nil, ErrNoSigningKey
	}
	if _, ok := keys[activeKID]; !ok {
		return nil, fmt.Errorf("jwt: active kid %q not present in key ring", activeKID)
	}
	ring := make(map[string][]byte, len(keys))
	for kid, secret := range keys {
		if secret == "" {
			return nil, fmt.Errorf("jwt: empty secret for kid %q", kid)
		}
		ring[kid] = []byte(secret)
	}
	return &JWTManager{keys: ring, activeKID: activeKID, duration: duration}, nil
}

// GenerateToken issues a signed JWT token for a user.
func (m *JWTManager) GenerateToken(userID bson.ObjectID, email string) (string, time.Time, error) {
	expiresAt := time.Now().Add(m.duration)

	claims := &Claims{
		UserID: userID.Hex(),
		Email:  normalize.Email(email),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.Hex(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if m.activeKID != "" {
		token.Header["kid"] = m.activeKID
	}

	tokenString, err := token.SignedString(m.keys[m.activeKID])
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// VerifyToken parses and validates a token and returns its claims.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// HMAC only: reject tokens that try to switch to an asymmetric alg
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if key, ok := m.keys[kid]; ok {
			return key, nil
		}
		if kid == "" {
			return m.keys[m.activeKID], nil
		}
		return nil, fmt.Errorf("unknown key id %q", kid)
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
