package kv

import (
	"context"
	"errors"

	"github.com/hashicorp/consul/api"

	"github.com/lxstack/lxmq/pkg/config"
	"github.com/lxstack/lxmq/pkg/fault"
)

// ConsulStore implements Store on a Consul agent. Keys live under the
// configured prefix; locks are Consul session locks under `<prefix>locks/`.
type ConsulStore struct {
	client *api.Client
	kv     *api.KV
	prefix string
}

// NewConsul connects to the Consul agent described by cfg.
func NewConsul(cfg config.Consul) (*ConsulStore, error) {
	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fault.Wrap(fault.KVUnavailable, err, "failed to create consul client")
	}

	return &ConsulStore{
		client: client,
		kv:     client.KV(),
		prefix: cfg.Prefix,
	}, nil
}

func (s *ConsulStore) Get(ctx context.Context, key string) (*Pair, error) {
	pair, _, err := s.kv.Get(s.prefix+key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fault.Wrap(fault.KVUnavailable, err, "get %s", key)
	}
	if pair == nil {
		return nil, nil
	}
	return &Pair{Value: pair.Value, ModifyIndex: pair.ModifyIndex}, nil
}

func (s *ConsulStore) Put(ctx context.Context, key string, value []byte) error {
	p := &api.KVPair{Key: s.prefix + key, Value: value}
	if _, err := s.kv.Put(p, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return fault.Wrap(fault.KVUnavailable, err, "put %s", key)
	}
	return nil
}

func (s *ConsulStore) CAS(ctx context.Context, key string, value []byte, index uint64) (bool, error) {
	p := &api.KVPair{Key: s.prefix + key, Value: value, ModifyIndex: index}
	ok, _, err := s.kv.CAS(p, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, fault.Wrap(fault.KVUnavailable, err, "cas %s", key)
	}
	return ok, nil
}

func (s *ConsulStore) Lock(name string) (Locker, error) {
	lock, err := s.client.LockOpts(&api.LockOptions{
		Key:        s.prefix + "locks/" + name,
		SessionTTL: "15s",
	})
	if err != nil {
		return nil, fault.Wrap(fault.KVUnavailable, err, "lock %s", name)
	}
	return &consulLock{name: name, lock: lock}, nil
}

type consulLock struct {
	name string
	lock *api.Lock
	held bool
}

func (l *consulLock) Acquire(ctx context.Context) error {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			close(stopCh)
		case <-done:
		}
	}()

	leaderCh, err := l.lock.Lock(stopCh)
	if err != nil {
		return fault.Wrap(fault.KVUnavailable, err, "acquire lock %s", l.name)
	}
	// A nil channel means acquisition was abandoned before it completed.
	if leaderCh == nil {
		return fault.New(fault.LockTimeout, "timed out acquiring lock %s", l.name)
	}
	l.held = true
	return nil
}

func (l *consulLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := l.lock.Unlock(); err != nil && !errors.Is(err, api.ErrLockNotHeld) {
		return fault.Wrap(fault.KVUnavailable, err, "release lock %s", l.name)
	}
	return nil
}
