package artifact

import (
	"bytes"
	"context"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	payload := []byte(`{"url":"https://docs.example/d/42"}`)
	ref, err := s.Put(ctx, "exec-1/render", payload)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref != "mem://exec-1/render" {
		t.Errorf("ref = %q", ref)
	}

	// Mutating the original buffer must not change the stored copy.
	payload[0] = 'X'

	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte(`{"url":"https://docs.example/d/42"}`)) {
		t.Errorf("Get = %s", got)
	}

	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, ref); err == nil {
		t.Error("Get after Delete succeeded")
	}
}

func TestMemoryStoreMissingRef(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "mem://nope"); err == nil {
		t.Error("missing artifact returned no error")
	}
}
