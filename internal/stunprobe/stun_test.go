package stunprobe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/l1g4v/tSVoI/internal/wire"
)

func TestReflexiveUnresolvableServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Reflexive(ctx, "udp4", "this-host-does-not-resolve.invalid:3478")
	if !errors.Is(err, wire.ErrStunUnreachable) {
		t.Fatalf("want ErrStunUnreachable, got %v", err)
	}
}

func TestReflexiveDefaultServerConstant(t *testing.T) {
	if DefaultServer == "" {
		t.Fatalf("DefaultServer must not be empty")
	}
}
