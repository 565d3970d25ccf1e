package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/PaulBabatuyi/carhub-realtime/internal/auth"
)

// ErrMissingCredential is returned when a handshake carries no credential.
var ErrMissingCredential = errors.New("missing credential")

// Authenticator resolves a bearer credential to an identity.
type Authenticator interface {
	Verify(ctx context.Context, credential string) (auth.Identity, error)
}

// Gatekeeper admits or rejects WebSocket handshakes. There is no guest mode:
// every admitted connection has a verified identity.
type Gatekeeper struct {
	verifier Authenticator
}

func NewGatekeeper(verifier Authenticator) *Gatekeeper {
	return &Gatekeeper{verifier: verifier}
}

// Credential returns the handshake credential: the Authorization header
// first, then the token query parameter when the header carries none.
func Credential(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if cred := strings.TrimSpace(strings.TrimPrefix(h, "Bearer")); cred != "" {
		return cred
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Authenticate verifies the request's credential.
func (g *Gatekeeper) Authenticate(r *http.Request) (auth.Identity, error) {
	cred := Credential(r)
	if cred == "" {
		return auth.Identity{}, ErrMissingCredential
	}
	return g.verifier.Verify(r.Context(), cred)
}

// RejectReason is the close reason sent to a rejected client.
func RejectReason(err error) string {
	if errors.Is(err, ErrMissingCredential) {
		return ErrMissingCredential.Error()
	}
	return auth.Reason(err)
}

// rejectLabel is the bounded metric label for a rejection.
func rejectLabel(err error) string {
	return strings.ReplaceAll(RejectReason(err), " ", "_")
}
