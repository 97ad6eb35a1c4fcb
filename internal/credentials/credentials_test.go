package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fentz26/mcpgate/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_UserScopedWins(t *testing.T) {
	s := NewStatic([]Credentials{
		{ServerID: "github", Token: "shared"},
		{ServerID: "github", UserID: "alice", Token: "alice-token"},
	})
	ctx := context.Background()

	c, err := s.Get(ctx, "github", models.UserContext{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice-token", c.Token)

	c, err = s.Get(ctx, "github", models.UserContext{UserID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "shared", c.Token)

	_, err = s.Get(ctx, "slack", models.UserContext{UserID: "bob"})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestStatic_SkipsExpired(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	s := NewStatic([]Credentials{
		{ServerID: "github", UserID: "alice", Token: "old", ExpiresAt: &past},
		{ServerID: "github", Token: "shared"},
	})

	c, err := s.Get(context.Background(), "github", models.UserContext{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "shared", c.Token)
}

type fakeRedis map[string]string

func (f fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if v, ok := f[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func TestRedisProvider(t *testing.T) {
	p := NewRedisProvider(fakeRedis{
		"mcpgate:credentials:github:alice": `{"token":"a","headers":{"Authorization":"Bearer a"}}`,
		"mcpgate:credentials:github":       `{"token":"shared"}`,
		"mcpgate:credentials:broken":       `not json`,
	}, "")
	ctx := context.Background()

	c, err := p.Get(ctx, "github", models.UserContext{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "a", c.Token)
	assert.Equal(t, "github", c.ServerID)
	assert.Equal(t, "Bearer a", c.Headers["Authorization"])

	c, err = p.Get(ctx, "github", models.UserContext{UserID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "shared", c.Token)

	_, err = p.Get(ctx, "slack", models.UserContext{})
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = p.Get(ctx, "broken", models.UserContext{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCredentials)
}

type failing struct{ err error }

func (f failing) Get(context.Context, string, models.UserContext) (*Credentials, error) {
	return nil, f.err
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	user := models.UserContext{UserID: "alice"}

	ch := Chain{NewStatic(nil), NewStatic([]Credentials{{ServerID: "s", Token: "t"}})}
	c, err := ch.Get(ctx, "s", user)
	require.NoError(t, err)
	assert.Equal(t, "t", c.Token)

	ch = Chain{failing{errors.New("backend down")}, NewStatic([]Credentials{{ServerID: "s"}})}
	_, err = ch.Get(ctx, "s", user)
	assert.EqualError(t, err, "backend down")

	_, err = Chain{}.Get(ctx, "s", user)
	assert.ErrorIs(t, err, ErrNoCredentials)
}
