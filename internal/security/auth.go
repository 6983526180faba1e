package security

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/convohq/chat-service/internal/config"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
)

// ContextKeyUserID is the gin context key for the authenticated user ID.
const ContextKeyUserID = "userID"

// TokenResolver resolves bearer credentials to user identities. It is
// initialized once at startup and shared by the HTTP middleware and the
// websocket handshake.
type TokenResolver struct {
	verifier *oidc.IDTokenVerifier
}

// NewTokenResolver creates a TokenResolver from the application config. It
// performs one-time OIDC provider discovery if OIDCIssuer is configured.
func NewTokenResolver(cfg *config.Config) *TokenResolver {
	var verifier *oidc.IDTokenVerifier
	oidcIssuer := cfg.OIDCIssuer

	if oidcIssuer != "" {
		ctx := context.Background()
		expectedIssuer := oidcIssuer // preserve the configured issuer for token validation
		discoveryURL := cfg.OIDCDiscoveryURL
		if discoveryURL != "" && discoveryURL != oidcIssuer {
			// Discovery URL differs from issuer (e.g. internal Docker hostname vs external URL).
			// NewProvider fetches from its issuer arg, so pass the discovery URL there.
			// InsecureIssuerURLContext tells NewProvider to accept a mismatched issuer in the
			// discovery document.
			ctx = oidc.InsecureIssuerURLContext(ctx, oidcIssuer)
			oidcIssuer = discoveryURL
		}
		provider, err := oidc.NewProvider(ctx, oidcIssuer)
		if err != nil {
			log.Error("Failed to initialize OIDC provider; falling back to opaque token auth", "issuer", oidcIssuer, "err", err)
		} else {
			// When the discovery URL differs from the configured issuer, the provider stores the
			// discovery document's issuer (the internal hostname). Tokens are issued with the
			// external issuer (cfg.OIDCIssuer). Build the verifier with the expected external
			// issuer so token validation doesn't fail on issuer mismatch.
			var providerClaims struct {
				JWKSURI string `json:"jwks_uri"`
			}
			if expectedIssuer != oidcIssuer {
				if err := provider.Claims(&providerClaims); err == nil && providerClaims.JWKSURI != "" {
					keySet := oidc.NewRemoteKeySet(ctx, providerClaims.JWKSURI)
					verifier = oidc.NewVerifier(expectedIssuer, keySet, &oidc.Config{
						SkipClientIDCheck: true,
					})
				}
			}
			if verifier == nil {
				verifier = provider.Verifier(&oidc.Config{
					SkipClientIDCheck: true,
				})
			}
			log.Info("OIDC auth enabled", "issuer", expectedIssuer)
		}
	}

	return &TokenResolver{verifier: verifier}
}

var (
	errInvalidJWT      = errors.New("invalid JWT")
	errMissingIdentity = errors.New("JWT missing identity claims")
	errEmptyToken      = errors.New("empty bearer token")
)

// Resolve resolves a bearer token into a user ID. When OIDC is configured and
// the token looks like a JWT it is verified against the provider; otherwise
// the opaque token value is treated as the user ID directly, matching the
// external identity-provider contract used in dev and test deployments.
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken string) (string, error) {
	bearerToken = strings.TrimSpace(bearerToken)
	if bearerToken == "" {
		return "", errEmptyToken
	}

	if r.verifier != nil && strings.Count(bearerToken, ".") >= 2 {
		idToken, err := r.verifier.Verify(ctx, bearerToken)
		if err != nil {
			return "", errors.Join(errInvalidJWT, err)
		}

		// Prefer "preferred_username", then "upn", then fall back to "sub".
		var claims struct {
			Sub               string `json:"sub"`
			PreferredUsername string `json:"preferred_username"`
			UPN               string `json:"upn"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", errors.Join(errInvalidJWT, err)
		}
		userID := claims.PreferredUsername
		if userID == "" {
			userID = claims.UPN
		}
		if userID == "" {
			userID = claims.Sub
		}
		if userID == "" {
			return "", errMissingIdentity
		}
		return userID, nil
	}

	return bearerToken, nil
}

// GetUserID returns the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// AuthMiddleware returns a gin middleware that extracts user identity from the
// Authorization header using the provided TokenResolver.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			log.Info("Auth rejected: missing Authorization header", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "missing Authorization header"})
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			log.Info("Auth rejected: invalid Authorization header; expected Bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid Authorization header; expected Bearer token"})
			return
		}

		userID, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid credentials"})
			return
		}

		c.Set(ContextKeyUserID, userID)
		c.Next()
	}
}
