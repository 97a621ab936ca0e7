package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts/mock"
)

// staticCreds is a CredentialSource backed by a fixed map.
type staticCreds map[string]map[string]string

func (s staticCreds) Raw(provider string) (map[string]string, error) {
	fields, ok := s[provider]
	if !ok {
		return nil, errors.New("no credentials")
	}
	return fields, nil
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(map[string]string{"api_key": "one", "region": "eu"})
	b := Fingerprint(map[string]string{"region": "eu", "api_key": "one"})
	if a != b {
		t.Error("fingerprint depends on map iteration order")
	}

	c := Fingerprint(map[string]string{"api_key": "two", "region": "eu"})
	if a == c {
		t.Error("distinct secrets share a fingerprint")
	}

	// Field boundaries must matter: {"a":"bc"} vs {"ab":"c"}.
	if Fingerprint(map[string]string{"a": "bc"}) == Fingerprint(map[string]string{"ab": "c"}) {
		t.Error("fingerprint collides across field boundaries")
	}

	if Fingerprint(nil) != "system-empty" {
		t.Errorf("Fingerprint(nil) = %q", Fingerprint(nil))
	}
}

func TestGet_CachesPerFingerprint(t *testing.T) {
	var constructed atomic.Int32
	r := New(staticCreds{"mock": {}})
	r.Register("mock", func(creds map[string]string) (tts.Provider, error) {
		constructed.Add(1)
		return mock.New(), nil
	})

	ctx := context.Background()
	a1, err := r.Get(ctx, "mock", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	a2, err := r.Get(ctx, "mock", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a1 != a2 {
		t.Error("system-credential adapter not cached")
	}
	if constructed.Load() != 1 {
		t.Errorf("constructions = %d, want 1", constructed.Load())
	}

	// A different credential set gets its own instance.
	a3, err := r.Get(ctx, "mock", map[string]string{"api_key": "custom"})
	if err != nil {
		t.Fatalf("Get custom: %v", err)
	}
	if a3 == a1 {
		t.Error("custom-credential adapter shares the system instance")
	}
	if constructed.Load() != 2 {
		t.Errorf("constructions = %d, want 2", constructed.Load())
	}
}

func TestGet_UnknownProvider(t *testing.T) {
	r := New(staticCreds{})
	if _, err := r.Get(context.Background(), "nope", nil); err == nil {
		t.Fatal("Get for unknown provider succeeded")
	}
}

func TestGet_FailureCoolDown(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	var attempts atomic.Int32
	r := New(staticCreds{"broken": {}}, WithCoolDown(10*time.Second), withNowFunc(clock))
	r.Register("broken", func(creds map[string]string) (tts.Provider, error) {
		attempts.Add(1)
		return nil, errors.New("backend down")
	})

	ctx := context.Background()
	if _, err := r.Get(ctx, "broken", nil); err == nil {
		t.Fatal("first Get succeeded")
	}
	if _, err := r.Get(ctx, "broken", nil); err == nil {
		t.Fatal("second Get succeeded")
	}
	if attempts.Load() != 1 {
		t.Errorf("factory attempts during cool-down = %d, want 1", attempts.Load())
	}

	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()

	if _, err := r.Get(ctx, "broken", nil); err == nil {
		t.Fatal("post-cool-down Get succeeded")
	}
	if attempts.Load() != 2 {
		t.Errorf("factory attempts after cool-down = %d, want 2", attempts.Load())
	}
}

func TestGet_SingleFlight(t *testing.T) {
	var constructed atomic.Int32
	release := make(chan struct{})
	r := New(staticCreds{"slow": {}})
	r.Register("slow", func(creds map[string]string) (tts.Provider, error) {
		constructed.Add(1)
		<-release
		return mock.New(), nil
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Get(ctx, "slow", nil); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if constructed.Load() != 1 {
		t.Errorf("concurrent first use ran %d constructions, want 1", constructed.Load())
	}
}

func TestListHealth(t *testing.T) {
	r := New(staticCreds{"mock": {}, "broken": {}})
	r.Register("mock", func(creds map[string]string) (tts.Provider, error) {
		return mock.New(), nil
	})
	r.Register("broken", func(creds map[string]string) (tts.Provider, error) {
		return nil, errors.New("no binary")
	})

	health := r.ListHealth(context.Background())
	if len(health) != 2 {
		t.Fatalf("health entries = %d, want 2", len(health))
	}
	if !health["mock"].OK || health["mock"].VoiceCount == 0 {
		t.Errorf("mock health = %+v", health["mock"])
	}
	if health["broken"].OK || health["broken"].Error == "" {
		t.Errorf("broken health = %+v", health["broken"])
	}
}

func TestShutdown_DropsAdapters(t *testing.T) {
	r := New(staticCreds{"mock": {}})
	r.Register("mock", func(creds map[string]string) (tts.Provider, error) {
		return mock.New(), nil
	})

	ctx := context.Background()
	a1, _ := r.Get(ctx, "mock", nil)
	r.Shutdown()
	a2, err := r.Get(ctx, "mock", nil)
	if err != nil {
		t.Fatalf("Get after Shutdown: %v", err)
	}
	if a1 == a2 {
		t.Error("adapter survived Shutdown")
	}
}
