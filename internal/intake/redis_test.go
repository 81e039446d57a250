package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ DedupStore = (*RedisDedupStore)(nil)

// scriptedRedis replays canned command results in call order, mimicking the
// SETNX/GET protocol without a server.
type scriptedRedis struct {
	setNX []*redis.BoolCmd
	get   []*redis.StringCmd
	del   *redis.IntCmd
	ping  *redis.StatusCmd

	setNXCalls int
	getCalls   int
	delCalls   int
}

func (s *scriptedRedis) SetNX(context.Context, string, interface{}, time.Duration) *redis.BoolCmd {
	cmd := s.setNX[s.setNXCalls]
	s.setNXCalls++
	return cmd
}

func (s *scriptedRedis) Get(context.Context, string) *redis.StringCmd {
	cmd := s.get[s.getCalls]
	s.getCalls++
	return cmd
}

func (s *scriptedRedis) Del(context.Context, ...string) *redis.IntCmd {
	s.delCalls++
	return s.del
}

func (s *scriptedRedis) Ping(context.Context) *redis.StatusCmd { return s.ping }
func (s *scriptedRedis) Close() error                          { return nil }

func TestRedisDedupFirstWriterWins(t *testing.T) {
	client := &scriptedRedis{
		setNX: []*redis.BoolCmd{redis.NewBoolResult(true, nil)},
	}
	store := &RedisDedupStore{client: client}

	existing, created, err := store.PutIfAbsent(context.Background(), "dedup:abc", []byte(`{"status":"submitted"}`), time.Hour)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, existing)
	assert.Equal(t, 1, client.setNXCalls)
	assert.Zero(t, client.getCalls, "the winner never reads back")
}

func TestRedisDedupLoserReadsWinnerValue(t *testing.T) {
	winner := `{"transaction_id":"txn-1","status":"submitted"}`
	client := &scriptedRedis{
		setNX: []*redis.BoolCmd{redis.NewBoolResult(false, nil)},
		get:   []*redis.StringCmd{redis.NewStringResult(winner, nil)},
	}
	store := &RedisDedupStore{client: client}

	existing, created, err := store.PutIfAbsent(context.Background(), "dedup:abc", []byte("loser"), time.Hour)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []byte(winner), existing)
}

func TestRedisDedupRetriesWhenEntryExpiresMidRace(t *testing.T) {
	// SETNX loses, but the winner's entry expires before GET: the write must
	// be retried, not reported as a phantom duplicate.
	client := &scriptedRedis{
		setNX: []*redis.BoolCmd{
			redis.NewBoolResult(false, nil),
			redis.NewBoolResult(true, nil),
		},
		get: []*redis.StringCmd{redis.NewStringResult("", redis.Nil)},
	}
	store := &RedisDedupStore{client: client}

	existing, created, err := store.PutIfAbsent(context.Background(), "dedup:abc", []byte("body"), time.Hour)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, existing)
	assert.Equal(t, 2, client.setNXCalls)
	assert.Equal(t, 1, client.getCalls)
}

func TestRedisDedupSetNXFailureSurfaces(t *testing.T) {
	client := &scriptedRedis{
		setNX: []*redis.BoolCmd{redis.NewBoolResult(false, errors.New("connection reset"))},
	}
	store := &RedisDedupStore{client: client}

	_, _, err := store.PutIfAbsent(context.Background(), "dedup:abc", []byte("body"), time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dedup setnx failed")
}

func TestRedisDedupGetFailureSurfaces(t *testing.T) {
	client := &scriptedRedis{
		setNX: []*redis.BoolCmd{redis.NewBoolResult(false, nil)},
		get:   []*redis.StringCmd{redis.NewStringResult("", errors.New("connection reset"))},
	}
	store := &RedisDedupStore{client: client}

	_, _, err := store.PutIfAbsent(context.Background(), "dedup:abc", []byte("body"), time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dedup get failed")
}

func TestRedisDedupDelete(t *testing.T) {
	client := &scriptedRedis{del: redis.NewIntResult(1, nil)}
	store := &RedisDedupStore{client: client}

	require.NoError(t, store.Delete(context.Background(), "dedup:abc"))
	assert.Equal(t, 1, client.delCalls)
}

func TestRedisDedupPing(t *testing.T) {
	client := &scriptedRedis{ping: redis.NewStatusResult("PONG", nil)}
	store := &RedisDedupStore{client: client}
	require.NoError(t, store.Ping(context.Background()))

	client.ping = redis.NewStatusResult("", errors.New("no route to host"))
	require.Error(t, store.Ping(context.Background()))
}
