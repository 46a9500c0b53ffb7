// ABOUTME: HTTP middleware for API-key and JWT authentication on REST endpoints
// ABOUTME: Extracts the credential from the Authorization header and adds AuthContext to context

package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"
)

// KeyValidator validates a presented API key against the durable key store.
// Implemented by the project registry.
type KeyValidator interface {
	ValidateKey(ctx context.Context, presented string) (projectID string, capabilities []string, err error)
}

// AuthFailureHook is invoked whenever a request fails authentication, so
// failures can be audited regardless of how the caller handles the response.
type AuthFailureHook func(ctx context.Context, reason string)

// agentJWTCapabilities is the grant for project-scoped JWTs. Only an
// unscoped operator token carries the wildcard.
var agentJWTCapabilities = []string{"chat", "meetings"}

// extractBearerToken extracts a bearer credential from the Authorization header.
// Returns the credential and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty credential"
	}
	return token, ""
}

// Authenticate resolves a raw credential (API key or JWT) into an AuthContext.
// API keys are recognized by their prefix; anything else is treated as a JWT.
func Authenticate(ctx context.Context, credential string, keys KeyValidator, verifier TokenVerifier) (*AuthContext, error) {
	if LooksLikeKey(credential) {
		projectID, capabilities, err := keys.ValidateKey(ctx, credential)
		if err != nil {
			return nil, err
		}
		return &AuthContext{
			Identity:     "key:" + credential[:displayPrefixLen],
			ProjectID:    projectID,
			Capabilities: capabilities,
		}, nil
	}

	subject, project, err := verifier.Verify(credential)
	if err != nil {
		return nil, err
	}
	capabilities := []string{"*"}
	if project != "" {
		capabilities = slices.Clone(agentJWTCapabilities)
	}
	return &AuthContext{
		Identity:     subject,
		ProjectID:    project,
		Capabilities: capabilities,
	}, nil
}

// HTTPAuthMiddleware creates an HTTP middleware that validates the request
// credential and adds AuthContext to the request context. onFailure may be
// nil; when set it is called for every rejected request.
func HTTPAuthMiddleware(keys KeyValidator, verifier TokenVerifier, onFailure AuthFailureHook) func(http.Handler) http.Handler {
	fail := func(ctx context.Context, w http.ResponseWriter, msg string, status int) {
		if onFailure != nil {
			onFailure(ctx, msg)
		}
		http.Error(w, `{"error":"`+msg+`"}`, status)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				fail(r.Context(), w, errMsg, http.StatusUnauthorized)
				return
			}

			authCtx, err := Authenticate(r.Context(), credential, keys, verifier)
			if err != nil {
				fail(r.Context(), w, "invalid credential", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireCapability creates an HTTP middleware that requires a capability.
// Must be used after HTTPAuthMiddleware.
func RequireCapability(cap string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}

			if !authCtx.HasCapability(cap) {
				http.Error(w, `{"error":"capability required: `+cap+`"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
