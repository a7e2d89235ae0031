// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package access propagates transport authentication to the engine.

The engine itself makes no authorization decisions. The plain middleware
carries the bearer token opaquely so that adapters and custom actions
can forward it; the validating middleware additionally authenticates
HS256 tokens and rejects requests with broken ones.
*/
package access

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/mosaik/core/logger"
)

// Authorization is the authentication state of one request.
type Authorization struct {
	// Token is the raw bearer token, empty when the caller sent none.
	Token string

	// Identity and Claims are only set by the validating middleware.
	Identity string
	Claims   jwt.MapClaims
}

type contextKeyAuthorizationType struct{}

var contextKeyAuthorization = &contextKeyAuthorizationType{}

// ContextWithAuthorization returns a new context carrying auth.
func ContextWithAuthorization(ctx context.Context, auth *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, auth)
}

// AuthorizationFromContext returns the authorization from the context,
// nil when the request carried no token.
func AuthorizationFromContext(ctx context.Context) *Authorization {
	auth, _ := ctx.Value(contextKeyAuthorization).(*Authorization)
	return auth
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return header[7:]
	}
	return ""
}

// Middleware puts the opaque bearer token into the request context.
// Requests without a token pass through unauthenticated.
func Middleware() mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := bearerToken(r); token != "" {
				ctx := ContextWithAuthorization(r.Context(), &Authorization{Token: token})
				r = r.WithContext(ctx)
			}
			h.ServeHTTP(w, r)
		})
	}
}

// ValidatingMiddleware authenticates HS256 bearer tokens with the given
// secret. A request with an invalid token is rejected with 401; a
// request without a token passes through unauthenticated. The token's
// subject becomes the logger identity.
func ValidatingMiddleware(secret []byte) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				h.ServeHTTP(w, r)
				return
			}

			claims := jwt.MapClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !parsed.Valid {
				logger.FromContext(r.Context()).Infof("rejected invalid bearer token: %v", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			auth := &Authorization{Token: token, Claims: claims}
			if sub, ok := claims["sub"].(string); ok {
				auth.Identity = sub
			}
			ctx := ContextWithAuthorization(r.Context(), auth)
			if auth.Identity != "" {
				ctx, _ = logger.ContextWithLoggerIdentity(ctx, auth.Identity)
			}
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
