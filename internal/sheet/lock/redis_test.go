package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeCommander implements RedisCommander over a plain map, recording the
// scripts evaluated against it.
type fakeCommander struct {
	entries   map[string]string
	evalCalls int
	returnErr error
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{entries: make(map[string]string)}
}

func (f *fakeCommander) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if f.returnErr != nil {
		return false, f.returnErr
	}
	if _, ok := f.entries[key]; ok {
		return false, nil
	}
	f.entries[key] = value
	return true, nil
}

func (f *fakeCommander) Get(ctx context.Context, key string) (string, error) {
	if f.returnErr != nil {
		return "", f.returnErr
	}
	return f.entries[key], nil
}

func (f *fakeCommander) Del(ctx context.Context, keys ...string) error {
	if f.returnErr != nil {
		return f.returnErr
	}
	for _, k := range keys {
		delete(f.entries, k)
	}
	return nil
}

func (f *fakeCommander) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if f.returnErr != nil {
		return nil, f.returnErr
	}
	f.evalCalls++
	// Emulate the compare-and-delete script.
	if len(keys) == 1 && len(args) == 1 {
		if v, ok := f.entries[keys[0]]; ok && v == args[0].(string) {
			delete(f.entries, keys[0])
			return int64(1), nil
		}
	}
	return int64(0), nil
}

func TestRedisStorePutIfAbsent(t *testing.T) {
	fake := newFakeCommander()
	s := NewRedisStore(fake)
	ctx := context.Background()

	ok, err := s.PutIfAbsent(ctx, "lock:reaction:d:1", "tok-a", time.Second)
	if err != nil || !ok {
		t.Fatalf("first put: ok=%v err=%v", ok, err)
	}
	ok, err = s.PutIfAbsent(ctx, "lock:reaction:d:1", "tok-b", time.Second)
	if err != nil || ok {
		t.Fatalf("second put must lose: ok=%v err=%v", ok, err)
	}
	if v, _ := s.Get(ctx, "lock:reaction:d:1"); v != "tok-a" {
		t.Fatalf("holder overwritten: %q", v)
	}
}

func TestRedisStoreCompareAndDelete(t *testing.T) {
	fake := newFakeCommander()
	s := NewRedisStore(fake)
	ctx := context.Background()

	_, _ = s.PutIfAbsent(ctx, "k", "tok", time.Second)
	ok, err := s.CompareAndDelete(ctx, "k", "wrong")
	if err != nil || ok {
		t.Fatalf("wrong token must not delete: ok=%v err=%v", ok, err)
	}
	ok, err = s.CompareAndDelete(ctx, "k", "tok")
	if err != nil || !ok {
		t.Fatalf("matching token must delete: ok=%v err=%v", ok, err)
	}
	if fake.evalCalls != 2 {
		t.Fatalf("expected scripted deletes, got %d evals", fake.evalCalls)
	}
}

func TestRedisStoreWrapsErrors(t *testing.T) {
	boom := errors.New("connection refused")
	s := NewRedisStore(&fakeCommander{returnErr: boom})
	ctx := context.Background()
	if _, err := s.PutIfAbsent(ctx, "k", "v", time.Second); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if err := s.Delete(ctx, "k"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}
