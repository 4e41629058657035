package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adred-codev/cs_gateway/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/websocket?token=q1", nil)
	r.Header.Set("Authorization", "Bearer h1")
	assert.Equal(t, "q1", ExtractToken(r), "query parameter wins")

	r = httptest.NewRequest(http.MethodGet, "/websocket", nil)
	r.Header.Set("Authorization", "Bearer h1")
	assert.Equal(t, "h1", ExtractToken(r))

	r = httptest.NewRequest(http.MethodGet, "/websocket", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, ExtractToken(r))
}

func TestJWTValidator(t *testing.T) {
	v := NewJWTValidator("secret", time.Hour)
	token, err := v.Generate("u1", "user")
	require.NoError(t, err)

	userID, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	other := NewJWTValidator("other-secret", time.Hour)
	_, err = other.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewJWTValidator("secret", -time.Minute)
	old, err := expired.Generate("u1", "user")
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), old)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Validate(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStoreValidator(t *testing.T) {
	mr := miniredis.RunT(t)
	r := store.NewRedis(store.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { r.Close() })

	for name, st := range map[string]store.Store{"memory": store.NewMemory(), "redis": r} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			v := NewStoreValidator(st, store.NewKeys(""), time.Hour)

			token, err := v.Issue(ctx, "u1")
			require.NoError(t, err)
			userID, err := v.Validate(ctx, token)
			require.NoError(t, err)
			assert.Equal(t, "u1", userID)
			require.NoError(t, v.Refresh(ctx, token))

			require.NoError(t, v.RemoveToken(ctx, token))
			_, err = v.Validate(ctx, token)
			assert.ErrorIs(t, err, ErrInvalidToken)
			assert.ErrorIs(t, v.Refresh(ctx, token), ErrInvalidToken)

			require.NoError(t, v.AddToken(ctx, "t2", "u2"))
			require.NoError(t, v.RemoveUserTokens(ctx, "u2"))
			_, err = v.Validate(ctx, "t2")
			assert.ErrorIs(t, err, ErrInvalidToken)
			require.NoError(t, v.RemoveUserTokens(ctx, "nobody"))
		})
	}
}

func TestStoreValidatorTokensExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	r := store.NewRedis(store.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { r.Close() })
	v := NewStoreValidator(r, store.NewKeys(""), time.Minute)
	ctx := context.Background()

	require.NoError(t, v.AddToken(ctx, "t1", "u1"))
	mr.FastForward(2 * time.Minute)
	_, err := v.Validate(ctx, "t1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func identityService(t *testing.T, valid map[string]string, status int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	token := func(r *http.Request) string { return ExtractToken(r) }
	mux.HandleFunc("POST /validate", func(w http.ResponseWriter, r *http.Request) {
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		_, ok := valid[token(r)]
		w.Header().Set("Content-Type", "application/json")
		if ok {
			w.Write([]byte(`{"valid":true}`))
			return
		}
		w.Write([]byte(`{"valid":false}`))
	})
	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"userId":"` + valid[token(r)] + `"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestExternalValidator(t *testing.T) {
	srv := identityService(t, map[string]string{"good": "u9"}, 0)
	v := NewExternalValidator(ExternalConfig{
		ValidateURL: srv.URL + "/validate",
		UserInfoURL: srv.URL + "/userinfo",
		Timeout:     time.Second,
		Logger:      zerolog.Nop(),
	})

	userID, err := v.Validate(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "u9", userID)

	_, err = v.Validate(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = v.Validate(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExternalValidatorFallsBackWhenUnavailable(t *testing.T) {
	srv := identityService(t, nil, http.StatusBadGateway)
	local := NewStoreValidator(store.NewMemory(), store.NewKeys(""), time.Hour)
	require.NoError(t, local.AddToken(context.Background(), "cached", "u3"))

	v := NewExternalValidator(ExternalConfig{
		ValidateURL: srv.URL + "/validate",
		UserInfoURL: srv.URL + "/userinfo",
		Fallback:    local,
		Logger:      zerolog.Nop(),
	})
	userID, err := v.Validate(context.Background(), "cached")
	require.NoError(t, err)
	assert.Equal(t, "u3", userID)

	_, err = v.Validate(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExternalRejectionIsFinal(t *testing.T) {
	srv := identityService(t, map[string]string{}, 0)
	local := NewStoreValidator(store.NewMemory(), store.NewKeys(""), time.Hour)
	require.NoError(t, local.AddToken(context.Background(), "cached", "u3"))

	v := NewExternalValidator(ExternalConfig{
		ValidateURL: srv.URL + "/validate",
		UserInfoURL: srv.URL + "/userinfo",
		Fallback:    local,
		Logger:      zerolog.Nop(),
	})
	_, err := v.Validate(context.Background(), "cached")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIdentityContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "u1", Token: "t"})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", id.UserID)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
