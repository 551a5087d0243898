package bridge

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/classwatch/presence-sync/presence"
)

// fakeBus echoes every publish to every subscriber, the publisher included,
// exactly like a real broker does.
type fakeBus struct {
	mu       sync.Mutex
	handlers []func(int64, []byte)
	kv       map[string][]byte
}

type fakeTransport struct {
	bus *fakeBus
}

func (t *fakeTransport) Publish(ctx context.Context, schoolID int64, payload []byte) error {
	t.bus.mu.Lock()
	handlers := append([]func(int64, []byte){}, t.bus.handlers...)
	t.bus.mu.Unlock()
	for _, h := range handlers {
		h(schoolID, payload)
	}
	return nil
}

func (t *fakeTransport) Subscribe(handler func(schoolID int64, payload []byte)) error {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	t.bus.handlers = append(t.bus.handlers, handler)
	return nil
}

func (t *fakeTransport) SetEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	t.bus.kv[key] = value
	return nil
}

func (t *fakeTransport) GetEphemeral(ctx context.Context, key string) ([]byte, error) {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	value, ok := t.bus.kv[key]
	if !ok {
		return nil, ErrNoEntry
	}
	return value, nil
}

func (t *fakeTransport) Enabled() bool { return true }
func (t *fakeTransport) Close()       {}

func TestBridgeSkipsSelfPublishedEnvelopes(t *testing.T) {
	bus := &fakeBus{kv: make(map[string][]byte)}
	a := NewWithTransport(&fakeTransport{bus: bus})
	b := NewWithTransport(&fakeTransport{bus: bus})

	var mu sync.Mutex
	var aGot, bGot [][]byte
	var bSchool int64
	if err := a.Subscribe(func(schoolID int64, payload []byte) {
		mu.Lock()
		aGot = append(aGot, payload)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}
	if err := b.Subscribe(func(schoolID int64, payload []byte) {
		mu.Lock()
		bGot = append(bGot, payload)
		bSchool = schoolID
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	a.Publish(context.Background(), 7, []byte(`{"type":"student-update","student_id":4}`))

	mu.Lock()
	defer mu.Unlock()
	if len(aGot) != 0 {
		t.Errorf("publisher received its own envelope: %s", aGot[0])
	}
	if len(bGot) != 1 {
		t.Fatalf("other instance should receive 1 envelope, got %d", len(bGot))
	}
	if bSchool != 7 {
		t.Errorf("school id mangled: got %d", bSchool)
	}
	if gjson.GetBytes(bGot[0], "origin").Exists() {
		t.Errorf("origin tag should be stripped before delivery: %s", bGot[0])
	}
	if gjson.GetBytes(bGot[0], "type").Str != "student-update" {
		t.Errorf("payload mangled: %s", bGot[0])
	}
}

func TestScreenshotCapAndRoundTrip(t *testing.T) {
	br, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	defer br.Close()
	ctx := context.Background()

	img := bytes.Repeat([]byte{0xAB}, 1024)
	if err := br.PutScreenshot(ctx, "dev-1", img); err != nil {
		t.Fatalf("PutScreenshot: %s", err)
	}
	got, ok := br.Screenshot(ctx, "dev-1")
	if !ok || !bytes.Equal(got, img) {
		t.Errorf("screenshot round trip failed, ok=%v len=%d", ok, len(got))
	}

	if err := br.PutScreenshot(ctx, "dev-1", bytes.Repeat([]byte{1}, MaxScreenshotBytes+1)); err == nil {
		t.Errorf("oversized screenshot should be rejected")
	}
	if err := br.PutScreenshot(ctx, "dev-1", nil); err == nil {
		t.Errorf("empty screenshot should be rejected")
	}
	if _, ok := br.Screenshot(ctx, "never-uploaded"); ok {
		t.Errorf("unknown device should have no screenshot")
	}
}

func TestMemoryKVExpiry(t *testing.T) {
	kv := newMemoryKV()
	defer kv.Teardown()

	kv.Set("shot/dev-2", []byte("frame"), 50*time.Millisecond)
	if _, ok := kv.Get("shot/dev-2"); !ok {
		t.Fatalf("entry should be readable before expiry")
	}
	time.Sleep(120 * time.Millisecond)
	if _, ok := kv.Get("shot/dev-2"); ok {
		t.Errorf("entry should expire after its TTL")
	}
}

func TestLastSeenHelpers(t *testing.T) {
	br, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	defer br.Close()
	ctx := context.Background()

	hint := presence.LastSeenHint{DeviceID: "dev-3", At: time.Now().UnixMilli()}
	br.SetLastSeen(ctx, 42, hint)

	got, ok := br.LastSeen(ctx, 42)
	if !ok || got != hint {
		t.Errorf("LastSeen round trip: got %+v ok=%v", got, ok)
	}

	bulk := br.LastSeenBulk(ctx, []int64{42, 43})
	if len(bulk) != 1 || bulk[42] != hint {
		t.Errorf("LastSeenBulk should omit misses, got %+v", bulk)
	}
}

func TestRestrictedFlag(t *testing.T) {
	br, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	defer br.Close()
	ctx := context.Background()

	if _, known := br.Restricted(ctx, "dev-4"); known {
		t.Errorf("unknown device should be unknown, not false")
	}
	br.SetRestricted(ctx, "dev-4", true)
	if on, known := br.Restricted(ctx, "dev-4"); !known || !on {
		t.Errorf("expected restricted=true, got on=%v known=%v", on, known)
	}
	br.SetRestricted(ctx, "dev-4", false)
	if on, known := br.Restricted(ctx, "dev-4"); !known || on {
		t.Errorf("expected restricted=false known=true, got on=%v known=%v", on, known)
	}
}
