// Package auth verifies the bearer ID token on every authenticated
// request and gates first-time sign-in behind an allow-list. A gin
// middleware extracts and validates the token, stashing the verified
// owner identity on the request context for downstream handlers.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"

	"github.com/tispace-dev/tispace/pkg/apierror"
	"github.com/tispace-dev/tispace/pkg/ginx"
)

const issuerURL = "https://accounts.google.com"

// Verifier validates bearer ID tokens against the configured OIDC
// issuer and gates access through an allow-list.
type Verifier struct {
	verifier     *oidc.IDTokenVerifier
	allowedUsers map[string]bool // empty means allow everyone
}

// NewVerifier creates a Verifier backed by Google's OIDC discovery
// document, checking tokens for audience clientID.
func NewVerifier(ctx context.Context, clientID string, allowedUsers []string) (*Verifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(allowedUsers))
	for _, u := range allowedUsers {
		allowed[strings.ToLower(u)] = true
	}

	return &Verifier{
		verifier:     provider.Verifier(&oidc.Config{ClientID: clientID}),
		allowedUsers: allowed,
	}, nil
}

// claims is the subset of Google's ID token payload the control plane
// cares about: the user's email, used as the instance owner.
type claims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// verify extracts and validates the bearer token from req, returning
// the verified email.
func (v *Verifier) verify(ctx context.Context, req *http.Request) (string, error) {
	header := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", apierror.Unauthorized("MissingToken", "missing bearer token")
	}
	rawToken := strings.TrimPrefix(header, prefix)

	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", apierror.Unauthorized("InvalidToken", "invalid bearer token")
	}

	var c claims
	if err := idToken.Claims(&c); err != nil || c.Email == "" {
		return "", apierror.Unauthorized("InvalidToken", "token carries no verified email")
	}
	if !c.EmailVerified {
		return "", apierror.Unauthorized("UnverifiedEmail", "email is not verified")
	}
	return c.Email, nil
}

// ownerContextKey is the gin.Context key the verified owner is stashed
// under (gin.Context.Set is string-keyed, unlike context.Context).
const ownerContextKey = "auth.owner"

// RequireAuth is gin middleware enforcing a valid bearer token on
// every request it guards; the verified email is recorded as the
// request owner and never logged as a token, only as an identity.
func (v *Verifier) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, err := v.verify(c.Request.Context(), c.Request)
		if err != nil {
			ginx.RenderError(c, err)
			c.Abort()
			return
		}
		c.Set(ownerContextKey, owner)
		c.Next()
	}
}

// Owner returns the authenticated owner for this request. Panics if
// called on a route not behind RequireAuth — an API handler bug, not a
// runtime condition to recover from.
func Owner(c *gin.Context) string {
	v, ok := c.Get(ownerContextKey)
	if !ok {
		panic("auth.Owner called on a route without auth.RequireAuth")
	}
	return v.(string)
}

// Authorized reports whether owner is on the allow-list, or true if
// the allow-list is empty (the default: allow everyone).
func (v *Verifier) Authorized(owner string) bool {
	if len(v.allowedUsers) == 0 {
		return true
	}
	return v.allowedUsers[strings.ToLower(owner)]
}

// HandleAuthorized implements GET /authorized: 200 if the caller's
// verified email is on the allow-list, 403 otherwise.
func (v *Verifier) HandleAuthorized(c *gin.Context) {
	owner := Owner(c)
	if !v.Authorized(owner) {
		ginx.RenderError(c, apierror.AuthForbidden("NotAllowed", "user %q is not on the allow-list", owner))
		return
	}
	c.Status(http.StatusOK)
}
