package verify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bigbag/papyrix-ota/internal/image"
)

func buildImage(t *testing.T) (*image.Descriptor, []byte) {
	t.Helper()
	d, payload, err := image.Build(7, 2, []image.Part{{Name: "app", FileID: 2, Data: bytes.Repeat([]byte{0x5A}, 1000)}})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return d, payload
}

func TestStatement(t *testing.T) {
	d, payload := buildImage(t)
	got, err := Statement(context.Background(), d, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Statement() error = %v", err)
	}
	lines := strings.Split(got, "\n")
	if len(lines) != 5 || lines[0] != Origin || lines[1] != "7" || lines[2] != "1000" || len(lines[3]) != 64 || lines[4] != "" {
		t.Errorf("Statement() = %q", got)
	}
}

func TestSignVerify(t *testing.T) {
	skey, vkey, err := GenerateKey("test-key")
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	_, otherKey, err := GenerateKey("other-key")
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	d, payload := buildImage(t)
	d.Signature, err = Sign(ctx, skey, d, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	v, err := NewNoteVerifier(vkey)
	if err != nil {
		t.Fatalf("NewNoteVerifier() error = %v", err)
	}
	if ok, err := v.Verify(ctx, d, bytes.NewReader(payload)); !ok || err != nil {
		t.Errorf("Verify() = %v, %v, want true", ok, err)
	}

	tampered := append([]byte(nil), payload...)
	tampered[10] ^= 0x01
	if ok, err := v.Verify(ctx, d, bytes.NewReader(tampered)); ok || err != nil {
		t.Errorf("Verify(tampered) = %v, %v, want false", ok, err)
	}

	wrong, err := NewNoteVerifier(otherKey)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := wrong.Verify(ctx, d, bytes.NewReader(payload)); ok {
		t.Error("Verify() with untrusted key = true")
	}

	newer := *d
	newer.Version = 8
	if ok, _ := v.Verify(ctx, &newer, bytes.NewReader(payload)); ok {
		t.Error("Verify() with changed version = true")
	}
}

func TestVerify_Unsigned(t *testing.T) {
	_, vkey, err := GenerateKey("test-key")
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewNoteVerifier(vkey)
	if err != nil {
		t.Fatal(err)
	}
	d, payload := buildImage(t)
	if _, err := v.Verify(context.Background(), d, bytes.NewReader(payload)); !errors.Is(err, ErrUnsigned) {
		t.Errorf("Verify() error = %v, want ErrUnsigned", err)
	}
}

func TestNewNoteVerifier_Errors(t *testing.T) {
	if _, err := NewNoteVerifier(); err == nil {
		t.Error("NewNoteVerifier() with no keys succeeded")
	}
	if _, err := NewNoteVerifier("garbage"); err == nil {
		t.Error("NewNoteVerifier(garbage) succeeded")
	}
}

func TestStatement_Cancelled(t *testing.T) {
	d, payload := buildImage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Statement(ctx, d, bytes.NewReader(payload)); !errors.Is(err, context.Canceled) {
		t.Errorf("Statement() error = %v, want context.Canceled", err)
	}
}

func TestNop(t *testing.T) {
	if ok, err := (Nop{}).Verify(context.Background(), &image.Descriptor{}, nil); !ok || err != nil {
		t.Errorf("Nop.Verify() = %v, %v", ok, err)
	}
}
