package session

import (
	"encoding/json"
	"errors"
	"testing"
)

func buildBatch(t *testing.T, n int, t0, step uint64) Batch {
	t.Helper()
	b := NewBuilder(n)
	for i := 0; i < n; i++ {
		b.Append(i, t0+uint64(i)*step, 1500+i, 12.5)
	}
	batch, err := b.Finalize(42)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return batch
}

func TestFinalizeComplete(t *testing.T) {
	batch := buildBatch(t, 3, 5000, 5000)
	if batch.SessionID != 42 || len(batch.Readings) != 3 {
		t.Fatalf("batch: %+v", batch)
	}
	if err := batch.Validate(3, 5000); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestFinalizeIncomplete(t *testing.T) {
	b := NewBuilder(3)
	b.Append(0, 5000, 1, 1)
	b.Append(1, 10000, 1, 1)
	if _, err := b.Finalize(42); !errors.Is(err, ErrIncompleteBatch) {
		t.Fatalf("expected ErrIncompleteBatch, got %v", err)
	}
	if b.Len() != 2 {
		t.Fatalf("len: %d", b.Len())
	}
}

func TestFinalizeCopiesReadings(t *testing.T) {
	b := NewBuilder(1)
	b.Append(0, 5000, 1, 1)
	batch, err := b.Finalize(1)
	if err != nil {
		t.Fatal(err)
	}
	b.readings[0].NTU = 99
	if batch.Readings[0].NTU != 1 {
		t.Fatalf("batch shares builder storage")
	}
}

func TestValidateRejectsBrokenContract(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Batch)
	}{
		{"seq gap", func(b *Batch) { b.Readings[1].Seq = 2 }},
		{"spacing", func(b *Batch) { b.Readings[2].DeviceEpochMs++ }},
		{"short", func(b *Batch) { b.Readings = b.Readings[:2] }},
		{"session id", func(b *Batch) { b.SessionID = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := buildBatch(t, 3, 5000, 5000)
			tt.mutate(&batch)
			if err := batch.Validate(3, 5000); !errors.Is(err, ErrInvalidBatch) {
				t.Fatalf("expected ErrInvalidBatch, got %v", err)
			}
		})
	}
}

func TestBatchWireFormat(t *testing.T) {
	b := NewBuilder(2)
	b.Append(0, 1758292915000, 1523, 3.25)
	b.Append(1, 1758292920000, 1530, 3.5)
	batch, err := b.Finalize(7)
	if err != nil {
		t.Fatal(err)
	}
	got, err := json.Marshal(batch)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"session_id":7,"readings":[` +
		`{"seq":0,"device_epoch_ms":"1758292915000","ntu":3.25,"raw_mv":1523},` +
		`{"seq":1,"device_epoch_ms":"1758292920000","ntu":3.5,"raw_mv":1530}]}`
	if string(got) != want {
		t.Fatalf("wire mismatch:\n got: %s\nwant: %s", got, want)
	}
}
