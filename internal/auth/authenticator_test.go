package auth

import (
	"testing"
	"time"

	"github.com/goevery/streamhub/internal/ierr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	assert.NoError(t, err)

	return tokenString
}

func TestAuthenticator_AuthenticateJWT(t *testing.T) {
	authenticator := NewAuthenticator("test-secret", []string{"test-api-key"})

	t.Run("valid jwt", func(t *testing.T) {
		tokenString := signToken(t, "test-secret", jwt.MapClaims{
			"sub":             "script-chat",
			"exp":             time.Now().Add(time.Hour).Unix(),
			"iat":             time.Now().Unix(),
			"aud":             "streamhub",
			"authorizedPaths": []string{"/chat"},
			"scope":           []string{"publish"},
		})

		auth, err := authenticator.AuthenticateJWT(tokenString)

		assert.NoError(t, err)
		assert.NotNil(t, auth)
		assert.Equal(t, "script-chat", auth.Subject)
		assert.Equal(t, []string{"/chat"}, auth.AuthorizedPaths)
		assert.Equal(t, []string{"publish"}, auth.Scope)
		assert.False(t, auth.IsAdmin)
		assert.True(t, auth.IsPublisher())
		assert.False(t, auth.IsRegistrar())
	})

	t.Run("invalid jwt signature", func(t *testing.T) {
		tokenString := signToken(t, "invalid-secret", jwt.MapClaims{
			"sub":             "script-chat",
			"exp":             time.Now().Add(time.Hour).Unix(),
			"iat":             time.Now().Unix(),
			"aud":             "streamhub",
			"authorizedPaths": []string{"/chat"},
		})

		auth, err := authenticator.AuthenticateJWT(tokenString)

		assert.Error(t, err)
		assert.Nil(t, auth)
		assert.IsType(t, ierr.Error{}, err)
		assert.Equal(t, ierr.ErrorCodeUnauthenticated, err.(ierr.Error).Code)
	})

	t.Run("expired jwt", func(t *testing.T) {
		tokenString := signToken(t, "test-secret", jwt.MapClaims{
			"sub":             "script-chat",
			"exp":             time.Now().Add(-time.Hour).Unix(),
			"iat":             time.Now().Unix(),
			"aud":             "streamhub",
			"authorizedPaths": []string{"/chat"},
		})

		auth, err := authenticator.AuthenticateJWT(tokenString)

		assert.Error(t, err)
		assert.Nil(t, auth)
		assert.Equal(t, ierr.ErrorCodeUnauthenticated, ierr.CodeOf(err))
	})

	t.Run("wrong audience", func(t *testing.T) {
		tokenString := signToken(t, "test-secret", jwt.MapClaims{
			"sub":             "script-chat",
			"exp":             time.Now().Add(time.Hour).Unix(),
			"iat":             time.Now().Unix(),
			"aud":             "broadcaster",
			"authorizedPaths": []string{"/chat"},
		})

		_, err := authenticator.AuthenticateJWT(tokenString)

		assert.Equal(t, ierr.ErrorCodeUnauthenticated, ierr.CodeOf(err))
	})

	t.Run("missing subject", func(t *testing.T) {
		tokenString := signToken(t, "test-secret", jwt.MapClaims{
			"exp":             time.Now().Add(time.Hour).Unix(),
			"iat":             time.Now().Unix(),
			"aud":             "streamhub",
			"authorizedPaths": []string{"/chat"},
		})

		auth, err := authenticator.AuthenticateJWT(tokenString)

		assert.Nil(t, auth)
		assert.Equal(t, ierr.ErrorCodeInvalidArgument, ierr.CodeOf(err))
	})

	t.Run("missing authorized paths", func(t *testing.T) {
		tokenString := signToken(t, "test-secret", jwt.MapClaims{
			"sub":   "script-chat",
			"exp":   time.Now().Add(time.Hour).Unix(),
			"iat":   time.Now().Unix(),
			"aud":   "streamhub",
			"scope": []string{"publish"},
		})

		auth, err := authenticator.AuthenticateJWT(tokenString)

		assert.Nil(t, auth)
		assert.Equal(t, ierr.ErrorCodeInvalidArgument, ierr.CodeOf(err))
	})
}

func TestAuthenticator_AuthenticateAPIKey(t *testing.T) {
	authenticator := NewAuthenticator("test-secret", []string{"test-api-key"})

	t.Run("valid api key", func(t *testing.T) {
		auth, err := authenticator.AuthenticateAPIKey("test-api-key")

		assert.NoError(t, err)
		assert.NotNil(t, auth)
		assert.Equal(t, "api", auth.Subject)
		assert.True(t, auth.IsAdmin)
		assert.True(t, auth.IsPublisher())
		assert.True(t, auth.IsRegistrar())
		assert.True(t, auth.CanManage("any-script"))
	})

	t.Run("invalid api key", func(t *testing.T) {
		auth, err := authenticator.AuthenticateAPIKey("invalid-api-key")

		assert.Error(t, err)
		assert.Nil(t, auth)
		assert.IsType(t, ierr.Error{}, err)
		assert.Equal(t, ierr.ErrorCodeUnauthenticated, err.(ierr.Error).Code)
	})
}

func TestAuthenticator_Authenticate(t *testing.T) {
	authenticator := NewAuthenticator("test-secret", []string{"test-api-key"})

	auth, err := authenticator.Authenticate("test-api-key")
	assert.NoError(t, err)
	assert.True(t, auth.IsAdmin)

	auth, err = authenticator.Authenticate(signToken(t, "test-secret", jwt.MapClaims{
		"sub":             "script-chat",
		"exp":             time.Now().Add(time.Hour).Unix(),
		"iat":             time.Now().Unix(),
		"aud":             "streamhub",
		"authorizedPaths": []string{"/chat"},
	}))
	assert.NoError(t, err)
	assert.Equal(t, "script-chat", auth.Subject)

	_, err = authenticator.Authenticate("")
	assert.Equal(t, ierr.ErrorCodeUnauthenticated, ierr.CodeOf(err))

	_, err = authenticator.Authenticate("garbage")
	assert.Equal(t, ierr.ErrorCodeUnauthenticated, ierr.CodeOf(err))
}

func TestAuthentication_IsAuthorized(t *testing.T) {
	auth := &Authentication{
		Subject:         "script-chat",
		AuthorizedPaths: []string{"/chat", "/rooms/*", "/graphql/subscription/feed"},
	}

	assert.True(t, auth.IsAuthorized("/chat"))
	assert.True(t, auth.IsAuthorized("/rooms/general"))
	assert.True(t, auth.IsAuthorized("/rooms/a/b"))
	assert.True(t, auth.IsAuthorized("/graphql/subscription/feed"))
	assert.False(t, auth.IsAuthorized("/rooms"))
	assert.False(t, auth.IsAuthorized("/chat/private"))
	assert.False(t, auth.IsAuthorized("/notify"))

	assert.True(t, auth.CanManage("script-chat"))
	assert.False(t, auth.CanManage("script-other"))

	anonymous := &Authentication{AuthorizedPaths: []string{"/chat"}}
	assert.False(t, anonymous.IsAuthorized("/chat"))
	assert.False(t, anonymous.CanManage(""))
}
