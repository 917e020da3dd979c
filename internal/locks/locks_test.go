package locks

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/treasury_layer/internal/logging"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, AccountKey("simnet", "w1"))
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				seen := atomic.LoadInt32(&maxSeen)
				if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	assert.Equal(t, 0, k.Len())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	unlockWallet, err := k.Lock(ctx, AccountKey("simnet", "w1"))
	require.NoError(t, err)
	unlockTx, err := k.Lock(ctx, TransactionKey("t1"))
	require.NoError(t, err)

	unlockTx()
	unlockWallet()
	unlockWallet()
	assert.Equal(t, 0, k.Len())
}

func TestKeyedMutexHonorsContext(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "busy")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "busy")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, k.Len())
}

type fakeRedis struct {
	mu       sync.Mutex
	values   map[string]string
	expires  map[string]time.Time
	failSet  error
	failEval error
	released []string
	renewals int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string), expires: make(map[string]time.Time)}
}

// held reports whether key holds an unexpired value. Callers hold f.mu.
func (f *fakeRedis) held(key string) bool {
	if _, ok := f.values[key]; !ok {
		return false
	}
	if exp, ok := f.expires[key]; ok && time.Now().After(exp) {
		delete(f.values, key)
		delete(f.expires, key)
		return false
	}
	return true
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return redis.NewBoolResult(false, f.failSet)
	}
	if f.held(key) {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = fmt.Sprint(value)
	if ttl > 0 {
		f.expires[key] = time.Now().Add(ttl)
	}
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEval != nil {
		return redis.NewCmdResult(nil, f.failEval)
	}
	key := keys[0]
	if !f.held(key) || f.values[key] != fmt.Sprint(args[0]) {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch script {
	case renewScript:
		ms, _ := args[1].(int64)
		f.expires[key] = time.Now().Add(time.Duration(ms) * time.Millisecond)
		f.renewals++
	case releaseScript:
		delete(f.values, key)
		delete(f.expires, key)
		f.released = append(f.released, key)
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeRedis) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewals
}

func (f *fakeRedis) set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
}

func (f *fakeRedis) get(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key]
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	client := newFakeRedis()
	l := NewRedisLocker(client, time.Second)
	l.retry = time.Millisecond
	ctx := context.Background()

	unlock, err := l.Lock(ctx, AccountKey("simnet", "w1"))
	require.NoError(t, err)
	assert.NotEmpty(t, client.get("treasury:lock:account:simnet:w1"))

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, AccountKey("simnet", "w1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	client.mu.Lock()
	assert.Equal(t, []string{"treasury:lock:account:simnet:w1"}, client.released)
	client.mu.Unlock()

	again, err := l.Lock(ctx, AccountKey("simnet", "w1"))
	require.NoError(t, err)
	again()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	client := newFakeRedis()
	l := NewRedisLocker(client, time.Second)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	// The lock expired and another holder took it.
	client.set("treasury:lock:k", "someone-else")
	unlock()
	assert.Equal(t, "someone-else", client.get("treasury:lock:k"))
}

func TestRedisLockerSurfacesErrors(t *testing.T) {
	client := newFakeRedis()
	client.failSet = fmt.Errorf("connection refused")
	l := NewRedisLocker(client, 0)

	_, err := l.Lock(context.Background(), "k")
	assert.ErrorContains(t, err, "connection refused")
}

func TestRedisLockerRenewsLeaseWhileHeld(t *testing.T) {
	client := newFakeRedis()
	l := NewRedisLocker(client, 30*time.Millisecond)
	l.retry = time.Millisecond
	ctx := context.Background()

	unlock, err := l.Lock(ctx, AccountKey("simnet", "w1"))
	require.NoError(t, err)

	// Outlive several TTLs; the lease must still be ours.
	time.Sleep(120 * time.Millisecond)
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, AccountKey("simnet", "w1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, client.renewCount(), 2)

	unlock()
	renewed := client.renewCount()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, renewed, client.renewCount(), "renewal stops on release")

	again, err := l.Lock(ctx, AccountKey("simnet", "w1"))
	require.NoError(t, err)
	again()
}

func TestRedisLockerStopsRenewingLostLease(t *testing.T) {
	client := newFakeRedis()
	logger := logging.New("test", "debug", "json")
	logger.SetOutput(io.Discard)
	hook := logtest.NewLocal(logger.Logger)
	l := NewRedisLocker(client, 30*time.Millisecond, WithLogger(logger))

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	client.set("treasury:lock:k", "someone-else")
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "lock lease lost before release" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "someone-else", client.get("treasury:lock:k"))
}

func TestRedisLockerLogsFailedRelease(t *testing.T) {
	client := newFakeRedis()
	logger := logging.New("test", "debug", "json")
	logger.SetOutput(io.Discard)
	hook := logtest.NewLocal(logger.Logger)
	l := NewRedisLocker(client, time.Second, WithLogger(logger))

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	client.mu.Lock()
	client.failEval = fmt.Errorf("connection reset")
	client.mu.Unlock()
	unlock()

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "treasury:lock:k", entry.Data["lock"])
}
