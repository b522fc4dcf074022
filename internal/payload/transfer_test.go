package payload

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oriys/quasar/internal/datum"
	"github.com/oriys/quasar/internal/protocol"
)

func TestTransfer_OffloadAndRead(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()
	tr := NewTransfer(store, 8, time.Minute)
	ctx := context.Background()

	small, err := tr.Offload(ctx, datum.Bytes([]byte("tiny")))
	if err != nil || small != nil {
		t.Fatalf("small payload offloaded: %v, %v", small, err)
	}
	if ref, _ := tr.Offload(ctx, datum.Int(1<<40)); ref != nil {
		t.Fatal("int datum must stay inline")
	}

	payload := bytes.Repeat([]byte("x"), 32)
	ref, err := tr.Offload(ctx, datum.Bytes(payload))
	if err != nil {
		t.Fatalf("Offload: %v", err)
	}
	if ref == nil || ref.Count != 32 || ref.Type != protocol.RpcDataBytes {
		t.Fatalf("unexpected ref %+v", ref)
	}

	d, err := tr.Read(ctx, ref)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff(datum.Bytes(payload), d); diff != "" {
		t.Fatalf("Read mismatch (-want +got):\n%s", diff)
	}

	sref, err := tr.Offload(ctx, datum.String("a long string value"))
	if err != nil || sref.Type != protocol.RpcDataString {
		t.Fatalf("string offload = %+v, %v", sref, err)
	}
	sd, _ := tr.Read(ctx, sref)
	if sd.Type != datum.TypeString || sd.Value != "a long string value" {
		t.Fatalf("string read = %+v", sd)
	}

	got := tr.Close(ctx, []string{ref.Name, "unknown"})
	want := map[string]bool{ref.Name: true, "unknown": false}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Close mismatch (-want +got):\n%s", diff)
	}
	if _, err := tr.Read(ctx, ref); err == nil {
		t.Fatal("expected error reading a closed region")
	}
}

func TestTransfer_ReadRange(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()
	tr := NewTransfer(store, 0, 0)
	ctx := context.Background()

	_ = store.Put(ctx, "m", []byte("0123456789"), 0)
	d, err := tr.Read(ctx, &protocol.RpcSharedMemory{Name: "m", Offset: 2, Count: 3, Type: protocol.RpcDataString})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if d.Value != "234" {
		t.Fatalf("Read = %v, want 234", d.Value)
	}
	if tr.Threshold() != DefaultThreshold {
		t.Fatalf("Threshold = %d, want default", tr.Threshold())
	}
}

func TestTransfer_OffloadKeepsJSONInline(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()
	tr := NewTransfer(store, 8, time.Minute)

	big := `{"items":["` + strings.Repeat("v", 64) + `"]}`
	ref, err := tr.Offload(context.Background(), datum.JSON(big))
	if err != nil {
		t.Fatalf("Offload: %v", err)
	}
	if ref != nil {
		t.Fatalf("json datum offloaded as %+v", ref)
	}
}
