package surface

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aloudlabs/aloud-core/internal/config"
)

func newBareRegistry(timeoutMS int) *Registry {
	return &Registry{
		cfg:      config.SurfaceConfig{HeartbeatTimeoutMS: timeoutMS},
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		surfaces: make(map[string]*Info),
	}
}

func TestRegistryLiveness(t *testing.T) {
	r := newBareRegistry(100)

	r.update("kitchen", "Kitchen Speaker", time.Now().UTC())
	if !r.Alive("kitchen") {
		t.Fatal("freshly announced surface should be alive")
	}
	if r.Alive("bedroom") {
		t.Fatal("unknown surface reported alive")
	}

	// Age the heartbeat past the timeout and re-evaluate.
	r.mu.Lock()
	r.surfaces["kitchen"].LastSeen = time.Now().Add(-time.Second)
	r.mu.Unlock()
	r.evaluateLiveness()

	if r.Alive("kitchen") {
		t.Fatal("stale surface still reported alive")
	}

	// A new heartbeat revives it.
	r.update("kitchen", "", time.Now().UTC())
	if !r.Alive("kitchen") {
		t.Fatal("surface did not revive after heartbeat")
	}
}

func TestRegistryListSnapshot(t *testing.T) {
	r := newBareRegistry(5000)
	r.update("a", "A", time.Now().UTC())
	r.update("b", "", time.Now().UTC())

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List returned %d surfaces, want 2", len(list))
	}
	for _, info := range list {
		if !info.Alive {
			t.Fatalf("surface %s not alive in snapshot", info.ID)
		}
	}
}
