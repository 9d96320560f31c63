package idgen

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("New() = %q, not a uuid: %v", id, err)
	}
	if New() == id {
		t.Fatal("expected distinct ids")
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("mon_")
	if !strings.HasPrefix(id, "mon_") || len(id) != len("mon_")+24 {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestTimestamped(t *testing.T) {
	at := time.Unix(1700000000, 0)
	id := Timestamped("kill", at)
	if !strings.HasPrefix(id, "kill_1700000000_") {
		t.Fatalf("unexpected id %q", id)
	}
	if len(id) != len("kill_1700000000_")+8 {
		t.Fatalf("unexpected suffix length in %q", id)
	}
}
