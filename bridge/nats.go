package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "presence.school."

// NATSTransport carries fanout over core NATS subjects and ephemeral state
// over JetStream KV. TTLs are bucket-level in JetStream, so keys are routed
// into one bucket per class (lastseen, shot, restrict); the bucket inherits
// the TTL of the class's first write and the per-write ttl after that only
// selects the bucket.
type NATSTransport struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	sub *nats.Subscription

	mu      sync.Mutex
	buckets map[string]nats.KeyValue
}

func NewNATSTransport(rawURL string) (*NATSTransport, error) {
	nc, err := nats.Connect(rawURL,
		nats.Name("presence-sync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("bridge: NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("bridge: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	logger.Info().Str("url", nc.ConnectedUrl()).Msg("bridge: connected to NATS")
	return &NATSTransport{
		nc:      nc,
		js:      js,
		buckets: make(map[string]nats.KeyValue),
	}, nil
}

func (t *NATSTransport) Publish(ctx context.Context, schoolID int64, payload []byte) error {
	return t.nc.Publish(natsSubjectPrefix+strconv.FormatInt(schoolID, 10), payload)
}

func (t *NATSTransport) Subscribe(handler func(schoolID int64, payload []byte)) error {
	if t.sub != nil {
		return errors.New("bridge: nats transport already subscribed")
	}
	sub, err := t.nc.Subscribe(natsSubjectPrefix+">", func(msg *nats.Msg) {
		schoolID, err := strconv.ParseInt(strings.TrimPrefix(msg.Subject, natsSubjectPrefix), 10, 64)
		if err != nil {
			logger.Warn().Str("subject", msg.Subject).Msg("bridge: message on unparseable subject")
			return
		}
		handler(schoolID, msg.Data)
	})
	if err != nil {
		return err
	}
	t.sub = sub
	return nil
}

// splitKey separates the class prefix (which picks the bucket) from the
// remainder (the key inside it).
func splitKey(key string) (class, rest string, ok bool) {
	return strings.Cut(key, "/")
}

func (t *NATSTransport) bucketFor(class string, ttl time.Duration, create bool) (nats.KeyValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if kv, ok := t.buckets[class]; ok {
		return kv, nil
	}
	name := "PS_" + strings.ToUpper(class)
	kv, err := t.js.KeyValue(name)
	if errors.Is(err, nats.ErrBucketNotFound) && create {
		kv, err = t.js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  name,
			History: 1,
			TTL:     ttl,
			Storage: nats.MemoryStorage,
		})
	}
	if err != nil {
		return nil, err
	}
	t.buckets[class] = kv
	return kv, nil
}

func (t *NATSTransport) SetEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	class, rest, ok := splitKey(key)
	if !ok {
		return fmt.Errorf("bridge: key %q has no class prefix", key)
	}
	kv, err := t.bucketFor(class, ttl, true)
	if err != nil {
		return err
	}
	_, err = kv.Put(rest, value)
	return err
}

func (t *NATSTransport) GetEphemeral(ctx context.Context, key string) ([]byte, error) {
	class, rest, ok := splitKey(key)
	if !ok {
		return nil, fmt.Errorf("bridge: key %q has no class prefix", key)
	}
	kv, err := t.bucketFor(class, 0, false)
	if errors.Is(err, nats.ErrBucketNotFound) {
		return nil, ErrNoEntry
	}
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(rest)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNoEntry
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

func (t *NATSTransport) Enabled() bool {
	return true
}

func (t *NATSTransport) Close() {
	if t.sub != nil {
		t.sub.Unsubscribe()
	}
	t.nc.Close()
}
