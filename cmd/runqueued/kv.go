package main

import (
	"context"
	"sort"

	"github.com/Swind/go-runqueue/core"
	"github.com/Swind/go-runqueue/gateway"
	"github.com/Swind/go-runqueue/store"
	"github.com/goccy/go-json"
)

const codeNotFound = 404

// kvActor is a key/value table owned by one runner. Every handler and every
// store callback runs on that runner, so data needs no lock. The store's
// results must be delivered on the same runner.
type kvActor struct {
	runner *core.Runner
	store  *store.AsyncStore
	logger core.Logger
	data   map[string]json.RawMessage

	// At most one write per key is in flight. A write issued while another
	// is in flight replaces any earlier queued one and runs after it.
	inflight map[string]bool
	queued   map[string]kvWrite

	// Loads still outstanding from hydrate, and keys deleted meanwhile.
	hydrating  int
	tombstones map[string]struct{}
}

// kvWrite is the state a key should have on disk. A nil value deletes it.
type kvWrite struct {
	value json.RawMessage
}

type kvParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func newKVActor(runner *core.Runner, s *store.AsyncStore, logger core.Logger) *kvActor {
	return &kvActor{
		runner:     runner,
		store:      s,
		logger:     logger,
		data:       make(map[string]json.RawMessage),
		inflight:   make(map[string]bool),
		queued:     make(map[string]kvWrite),
		tombstones: make(map[string]struct{}),
	}
}

// hydrate loads persisted entries in the background. Keys written or deleted
// by clients before their stored copy arrives keep the client's version.
func (kv *kvActor) hydrate() error {
	kv.hydrating = 1
	err := kv.store.Keys(func(ctx context.Context, keys []string, err error) {
		if err != nil {
			kv.logger.Error("kv hydrate failed", core.F("error", err))
			kv.loaded()
			return
		}
		kv.hydrating += len(keys)
		for _, key := range keys {
			err := store.Load(kv.store, key, func(ctx context.Context, v json.RawMessage, err error) {
				defer kv.loaded()
				if err != nil {
					kv.logger.Warn("kv load failed", core.F("key", key), core.F("error", err))
					return
				}
				if _, gone := kv.tombstones[key]; gone {
					return
				}
				if _, ok := kv.data[key]; !ok {
					kv.data[key] = v
				}
			})
			if err != nil {
				kv.logger.Warn("kv load not queued", core.F("key", key), core.F("error", err))
				kv.loaded()
			}
		}
		kv.logger.Info("kv hydrating", core.F("keys", len(keys)))
		kv.loaded()
	})
	if err != nil {
		kv.hydrating = 0
	}
	return err
}

// loaded retires one outstanding hydrate step.
func (kv *kvActor) loaded() {
	kv.hydrating--
	if kv.hydrating == 0 {
		clear(kv.tombstones)
	}
}

// persist writes w for key once every earlier write for key has finished.
func (kv *kvActor) persist(key string, w kvWrite) error {
	if kv.inflight[key] {
		kv.queued[key] = w
		return nil
	}

	done := func(ctx context.Context, err error) {
		if err != nil {
			kv.logger.Error("kv persist failed", core.F("key", key), core.F("error", err))
		}
		delete(kv.inflight, key)
		next, ok := kv.queued[key]
		if !ok {
			return
		}
		delete(kv.queued, key)
		if err := kv.persist(key, next); err != nil {
			kv.logger.Error("kv persist not queued", core.F("key", key), core.F("error", err))
		}
	}

	var err error
	if w.value == nil {
		err = kv.store.Delete(key, done)
	} else {
		err = kv.store.Save(key, w.value, done)
	}
	if err != nil {
		return err
	}
	kv.inflight[key] = true
	return nil
}

func (kv *kvActor) handlers() map[string]gateway.Handler {
	return map[string]gateway.Handler{
		"get":    kv.get,
		"set":    kv.set,
		"delete": kv.delete,
		"keys":   kv.keys,
	}
}

func decodeKey(params json.RawMessage) (kvParams, error) {
	var p kvParams
	if err := json.Unmarshal(params, &p); err != nil {
		return p, gateway.NewError(gateway.CodeInvalidRequest, err.Error())
	}
	if p.Key == "" {
		return p, gateway.NewError(gateway.CodeInvalidRequest, "key is required")
	}
	return p, nil
}

func (kv *kvActor) get(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeKey(params)
	if err != nil {
		return nil, err
	}
	v, ok := kv.data[p.Key]
	if !ok {
		return nil, gateway.NewError(codeNotFound, "no such key: "+p.Key)
	}
	return v, nil
}

func (kv *kvActor) set(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeKey(params)
	if err != nil {
		return nil, err
	}
	if len(p.Value) == 0 {
		return nil, gateway.NewError(gateway.CodeInvalidRequest, "value is required")
	}

	kv.data[p.Key] = p.Value
	if err := kv.persist(p.Key, kvWrite{value: p.Value}); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (kv *kvActor) delete(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeKey(params)
	if err != nil {
		return nil, err
	}
	_, existed := kv.data[p.Key]
	delete(kv.data, p.Key)
	if kv.hydrating > 0 {
		kv.tombstones[p.Key] = struct{}{}
	}
	if err := kv.persist(p.Key, kvWrite{}); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": existed}, nil
}

func (kv *kvActor) keys(ctx context.Context, _ json.RawMessage) (any, error) {
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
