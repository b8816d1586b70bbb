package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

const bucketName = "hiveward"

// KV is the path-addressed coordination store. Keys use dot separators
// (agents.teamA.roleX.teamA-roleX-1). Semantics are last-write-wins per key;
// watchers may observe replays and duplicates, which consumers tolerate.
type KV struct {
	kv nats.KeyValue
}

// Entry is one observed update for a watched key.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

func newKV(conn *nats.Conn) (*KV, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucketName)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucketName,
			History: 1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open kv bucket: %w", err)
	}

	return &KV{kv: kv}, nil
}

func (k *KV) Put(key string, value []byte) error {
	if _, err := k.kv.Put(key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (k *KV) PutJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return k.Put(key, data)
}

// Get reads the current value once. A missing key returns (nil, nil).
func (k *KV) Get(key string) ([]byte, error) {
	entry, err := k.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), nil
}

// GetJSON reads and decodes the current value once. The bool reports whether
// the key existed.
func (k *KV) GetJSON(key string, v any) (bool, error) {
	data, err := k.Get(key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a key. Absent keys are not an error.
func (k *KV) Delete(key string) error {
	err := k.kv.Delete(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Keys lists every key currently present in the bucket. An empty bucket is
// not an error.
func (k *KV) Keys() ([]string, error) {
	keys, err := k.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}

// Watch subscribes to every update of a key, replaying the latest value on
// attach. The returned stop function releases the watcher; the channel closes
// when the watch ends or ctx is cancelled.
func (k *KV) Watch(ctx context.Context, key string) (<-chan Entry, func(), error) {
	w, err := k.kv.Watch(key, nats.IgnoreDeletes())
	if err != nil {
		return nil, nil, fmt.Errorf("kv watch %s: %w", key, err)
	}

	out := make(chan Entry, 64)
	done := make(chan struct{})
	stop := func() {
		select {
		case <-done:
		default:
			close(done)
		}
		_ = w.Stop()
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				_ = w.Stop()
				return
			case <-done:
				return
			case update, ok := <-w.Updates():
				if !ok {
					return
				}
				if update == nil {
					// Initial replay marker
					continue
				}
				e := Entry{
					Key:      update.Key(),
					Value:    update.Value(),
					Revision: update.Revision(),
				}
				select {
				case out <- e:
				case <-ctx.Done():
					_ = w.Stop()
					return
				case <-done:
					return
				}
			}
		}
	}()

	return out, stop, nil
}
