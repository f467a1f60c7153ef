package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/redis"
	"github.com/amethystlabs/amethyst-backend/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanAccess(t *testing.T) {
	cases := []struct {
		role     models.Role
		resource Resource
		allowed  bool
	}{
		{models.RoleUser, ResourceGeneration, true},
		{models.RoleUser, ResourceCredits, true},
		{models.RoleUser, ResourceModeration, false},
		{models.RoleUser, ResourceAdmin, false},
		{models.RoleModerator, ResourceGeneration, true},
		{models.RoleModerator, ResourceModeration, true},
		{models.RoleModerator, ResourceAdmin, false},
		{models.RoleAdmin, ResourceGeneration, true},
		{models.RoleAdmin, ResourceModeration, true},
		{models.RoleAdmin, ResourceAdmin, true},
		{models.Role("ghost"), ResourceGeneration, false},
		{models.RoleAdmin, Resource("unknown"), false},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%s_%s", c.role, c.resource), func(t *testing.T) {
			assert.Equal(t, c.allowed, CanAccess(c.role, c.resource))
		})
	}
}

type staticRedis struct {
	store map[string]string
}

func (s *staticRedis) Get(ctx context.Context, key string) (string, error) {
	val, ok := s.store[key]
	if !ok {
		return "", redis.ErrKeyNotFound
	}
	return val, nil
}

func (s *staticRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.store[key] = fmt.Sprintf("%v", value)
	return nil
}

func (s *staticRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	if _, ok := s.store[key]; ok {
		return false, nil
	}
	s.store[key] = fmt.Sprintf("%v", value)
	return true, nil
}

func (s *staticRedis) Del(ctx context.Context, key string) error {
	delete(s.store, key)
	return nil
}

func (s *staticRedis) Close() error { return nil }

func signToken(t *testing.T, secret string, accountID int32, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"account_id": accountID,
		"role":       role,
		"exp":        time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestMiddleware(t *testing.T) {
	const secret = "test-secret"

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := AccountID(r.Context())
		require.True(t, ok)
		role, ok := RoleFrom(r.Context())
		require.True(t, ok)
		fmt.Fprintf(w, "%d:%s", id, role)
	})

	t.Run("ValidToken", func(t *testing.T) {
		token := signToken(t, secret, 7, "moderator")
		cache := &staticRedis{store: map[string]string{"account:7:token": token}}
		handler := Middleware(cache, secret)(echo)

		req := httptest.NewRequest(http.MethodGet, "/profile", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "7:moderator", rec.Body.String())
	})

	t.Run("MissingHeader", func(t *testing.T) {
		handler := Middleware(&staticRedis{store: map[string]string{}}, secret)(echo)
		req := httptest.NewRequest(http.MethodGet, "/profile", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		token := signToken(t, "other-secret", 7, "user")
		cache := &staticRedis{store: map[string]string{"account:7:token": token}}
		handler := Middleware(cache, secret)(echo)

		req := httptest.NewRequest(http.MethodGet, "/profile", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("RevokedToken", func(t *testing.T) {
		token := signToken(t, secret, 7, "user")
		// Logout removed the Redis entry, so the still-unexpired JWT is dead.
		handler := Middleware(&staticRedis{store: map[string]string{}}, secret)(echo)

		req := httptest.NewRequest(http.MethodGet, "/profile", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("SupersededToken", func(t *testing.T) {
		oldToken := signToken(t, secret, 7, "user")
		newer := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"account_id": int32(7),
			"role":       "user",
			"exp":        time.Now().Add(2 * time.Hour).Unix(),
		})
		newToken, err := newer.SignedString([]byte(secret))
		require.NoError(t, err)
		require.NotEqual(t, oldToken, newToken)
		cache := &staticRedis{store: map[string]string{"account:7:token": newToken}}
		handler := Middleware(cache, secret)(echo)

		req := httptest.NewRequest(http.MethodGet, "/profile", nil)
		req.Header.Set("Authorization", "Bearer "+oldToken)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("InvalidRole", func(t *testing.T) {
		token := signToken(t, secret, 7, "superuser")
		cache := &staticRedis{store: map[string]string{"account:7:token": token}}
		handler := Middleware(cache, secret)(echo)

		req := httptest.NewRequest(http.MethodGet, "/profile", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequireResource(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := RequireResource(ResourceModeration)(ok)

	t.Run("ModeratorAllowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/moderation/generations", nil)
		ctx := context.WithValue(req.Context(), roleKey, models.RoleModerator)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req.WithContext(ctx))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("UserForbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/moderation/generations", nil)
		ctx := context.WithValue(req.Context(), roleKey, models.RoleUser)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req.WithContext(ctx))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("NoRoleInContext", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/moderation/generations", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
