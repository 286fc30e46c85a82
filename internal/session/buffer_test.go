package session

import (
	"testing"

	"github.com/audiolibrelab/sigcapture/internal/storage"
)

func rowsAt(ts ...int64) []storage.Row {
	rows := make([]storage.Row, len(ts))
	for i, v := range ts {
		rows[i] = storage.Row{TS: v, Values: []float64{float64(v)}}
	}
	return rows
}

func TestSlotBuffer_PruneDropsOldestOnly(t *testing.T) {
	b := NewSlotBuffer(0)
	b.Append(storage.KindSignals, rowsAt(1, 2, 3, 4, 5))
	b.Append(storage.KindMetrics, rowsAt(2, 6))

	if dropped := b.Prune(3); dropped != 3 {
		t.Errorf("Expected 3 dropped rows, got %d", dropped)
	}

	signals := b.Rows(storage.KindSignals)
	if len(signals) != 3 || signals[0].TS != 3 || signals[2].TS != 5 {
		t.Errorf("Unexpected signals after prune: %+v", signals)
	}
	if metrics := b.Rows(storage.KindMetrics); len(metrics) != 1 || metrics[0].TS != 6 {
		t.Errorf("Unexpected metrics after prune: %+v", metrics)
	}
	if b.Len(storage.KindMask) != 0 {
		t.Errorf("Expected empty mask stream, got %d", b.Len(storage.KindMask))
	}
}

func TestSlotBuffer_CapacityDropsHead(t *testing.T) {
	b := NewSlotBuffer(3)
	b.Append(storage.KindMask, rowsAt(1, 2))
	b.Append(storage.KindMask, rowsAt(3, 4, 5))

	got := b.Rows(storage.KindMask)
	if len(got) != 3 || got[0].TS != 3 || got[2].TS != 5 {
		t.Errorf("Expected the 3 newest rows, got %+v", got)
	}
}

func TestSlotBuffer_RepeatedPruneAndAppend(t *testing.T) {
	b := NewSlotBuffer(0)
	for i := int64(0); i < 1000; i++ {
		b.Append(storage.KindSignals, rowsAt(i))
		b.Prune(i - 9)
	}

	got := b.Rows(storage.KindSignals)
	if len(got) != 10 {
		t.Fatalf("Expected a 10-row window, got %d", len(got))
	}
	for i, r := range got {
		if r.TS != int64(990+i) {
			t.Errorf("row[%d]: expected ts %d, got %d", i, 990+i, r.TS)
		}
	}
}

func TestSlotBuffer_AppendCopiesValues(t *testing.T) {
	b := NewSlotBuffer(0)
	batch := []storage.Row{{TS: 1, Values: []float64{0.5, 0.25}}}
	b.Append(storage.KindSignals, batch)

	// Transports reuse their batch buffers between reads.
	batch[0].Values[0] = 9

	if got := b.Rows(storage.KindSignals)[0].Values[0]; got != 0.5 {
		t.Errorf("Expected buffered value 0.5, got %v", got)
	}
}

func TestSlotBuffer_RowsReturnsCopy(t *testing.T) {
	b := NewSlotBuffer(0)
	b.Append(storage.KindSignals, rowsAt(1))

	got := b.Rows(storage.KindSignals)
	got[0].TS = 99
	if b.Rows(storage.KindSignals)[0].TS != 1 {
		t.Error("Expected Rows to return an independent copy")
	}

	b.Reset()
	if b.Len(storage.KindSignals) != 0 {
		t.Error("Expected Reset to empty the buffer")
	}
}
