package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/books_reconcile/config"
)

var ErrLockNotObtained = errors.New("could not obtain lock")

// Locker serialises work on a string key. The returned release func must be called once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Waiters honour ctx cancellation.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.drop(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.drop(key, e)
		})
	}, nil
}

func (k *KeyedMutex) drop(key string, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// RedisLocker obtains distributed locks with bsm/redislock, retrying until ctx is done.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	prefix string
}

func NewRedisLocker(client *redislock.Client, ttl time.Duration, prefix string) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, prefix: prefix}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if r.client == nil {
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := fmt.Sprintf("%s:%s", r.prefix, key)
	lock, err := r.client.Obtain(ctx, lockKey, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		config.LogError(config.GetLogger(), "utils", "RedisLocker.Lock", "could not obtain lock", lockKey, err)
		return nil, ErrLockNotObtained
	} else if err != nil {
		config.LogError(config.GetLogger(), "utils", "RedisLocker.Lock", "error obtaining lock", lockKey, err)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// the request ctx may already be cancelled; release must still reach redis
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = lock.Release(releaseCtx)
		})
	}, nil
}
