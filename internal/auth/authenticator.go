package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/goevery/streamhub/internal/ierr"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeRegister = "register"
	ScopePublish  = "publish"
)

type Claims struct {
	jwt.RegisteredClaims
	AuthorizedPaths []string `json:"authorizedPaths,omitempty"`
	Scope           []string `json:"scope,omitempty"`
}

// Authentication identifies a script host. Subject is the id of the owning
// script.
type Authentication struct {
	Subject         string
	AuthorizedPaths []string
	Scope           []string
	IsAdmin         bool
}

func (a *Authentication) IsPublisher() bool {
	return a.IsAdmin || slices.Contains(a.Scope, ScopePublish)
}

func (a *Authentication) IsRegistrar() bool {
	return a.IsAdmin || slices.Contains(a.Scope, ScopeRegister)
}

// IsAuthorized reports whether path is listed in the authorized paths. An
// entry ending in "/*" authorizes every path below it.
func (a *Authentication) IsAuthorized(path string) bool {
	if a.Subject == "" {
		return false
	}

	if a.IsAdmin {
		return true
	}

	for _, authorized := range a.AuthorizedPaths {
		if authorized == path {
			return true
		}

		if prefix, ok := strings.CutSuffix(authorized, "*"); ok && strings.HasSuffix(prefix, "/") &&
			strings.HasPrefix(path, prefix) {
			return true
		}
	}

	return false
}

// CanManage reports whether the caller may act on behalf of ownerId.
func (a *Authentication) CanManage(ownerId string) bool {
	return a.IsAdmin || (a.Subject != "" && a.Subject == ownerId)
}

type contextKey string

const authenticationKey contextKey = "authentication"

func WithAuthentication(ctx context.Context, auth *Authentication) context.Context {
	return context.WithValue(ctx, authenticationKey, auth)
}

func AuthenticationFromContext(ctx context.Context) (*Authentication, bool) {
	auth, ok := ctx.Value(authenticationKey).(*Authentication)
	return auth, ok
}

type Authenticator struct {
	secret    []byte
	apiKeys   []string
	jwtParser *jwt.Parser
}

func NewAuthenticator(secret string, apiKeys []string) *Authenticator {
	jwtParser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience("streamhub"),
	)

	return &Authenticator{
		secret:    []byte(secret),
		apiKeys:   apiKeys,
		jwtParser: jwtParser,
	}
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("unexpected signing method"))
	}
	return a.secret, nil
}

// Authenticate accepts either an API key or a signed JWT.
func (a *Authenticator) Authenticate(credential string) (*Authentication, error) {
	if credential == "" {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("missing credentials"))
	}

	if auth, err := a.AuthenticateAPIKey(credential); err == nil {
		return auth, nil
	}

	return a.AuthenticateJWT(credential)
}

func (a *Authenticator) AuthenticateJWT(tokenString string) (*Authentication, error) {
	claims := Claims{}

	_, err := a.jwtParser.ParseWithClaims(tokenString, &claims, a.keyFunc)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid subject claim"))
	}

	if len(claims.AuthorizedPaths) == 0 {
		return nil, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("authorized paths cannot be empty"))
	}

	return &Authentication{
		Subject:         subject,
		AuthorizedPaths: claims.AuthorizedPaths,
		Scope:           claims.Scope,
		IsAdmin:         false,
	}, nil
}

func (a *Authenticator) AuthenticateAPIKey(apiKey string) (*Authentication, error) {
	for _, key := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			return &Authentication{
				Subject: "api",
				Scope:   []string{ScopeRegister, ScopePublish},
				IsAdmin: true,
			}, nil
		}
	}

	return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("invalid api key"))
}
