package recarena

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/arrayfill"
)

func arenaPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "records.arena")
}

func TestArena_CreateWriteRead(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"small record", []byte("hello world")},
		{"empty record", nil},
		{"full slot", bytes.Repeat([]byte("x"), 64)},
	}

	a, err := Create(arenaPath(t), 64, len(tests))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, a.Close())
	})

	for i, tt := range tests {
		assert.NoError(t, a.Write(i, tt.data), tt.name)
	}
	assert.Equal(t, len(tests), a.Committed())

	for i, tt := range tests {
		got, err := a.Slot(i)
		assert.NoError(t, err)
		assert.Equal(t, len(tt.data), len(got), "mismatch at slot %d", i)
		assert.Equal(t, []byte(tt.data), append([]byte(nil), got...), "mismatch at slot %d", i)
	}
}

func TestArena_WriteDiscipline(t *testing.T) {
	a, err := Create(arenaPath(t), 16, 2)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, a.Close())
	})

	err = a.Write(1, []byte("skip ahead"))
	assert.ErrorIs(t, err, ErrOutOfOrderWrite)

	err = a.Write(0, bytes.Repeat([]byte("y"), 17))
	assert.ErrorIs(t, err, ErrRecordTooLarge)

	require.NoError(t, a.Write(0, []byte("a")))
	err = a.Write(0, []byte("again"))
	assert.ErrorIs(t, err, ErrOutOfOrderWrite)

	require.NoError(t, a.Write(1, []byte("b")))
	err = a.Write(2, []byte("past the end"))
	assert.Error(t, err)

	_, err = a.Slot(5)
	assert.ErrorIs(t, err, ErrSlotOutOfRange)
}

func TestArena_UncommittedSlotUnreadable(t *testing.T) {
	a, err := Create(arenaPath(t), 16, 3)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, a.Close())
	})

	require.NoError(t, a.Write(0, []byte("only one")))

	_, err = a.Slot(1)
	assert.ErrorIs(t, err, ErrSlotNotCommitted)
}

func TestArena_SealAndReopen(t *testing.T) {
	path := arenaPath(t)

	a, err := Create(path, 32, 5, WithCreatorTag("ingest-worker-1"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Write(i, []byte(fmt.Sprintf("entry-%d", i))))
	}
	require.NoError(t, a.Seal())
	assert.True(t, a.Sealed())

	assert.ErrorIs(t, a.Write(0, []byte("late")), ErrSealed)
	require.NoError(t, a.Close())

	b, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, b.Close())
	})

	assert.True(t, b.Sealed())
	assert.Equal(t, 5, b.Committed())

	m, err := b.Manifest()
	require.NoError(t, err)
	assert.Equal(t, uint32(32), m.SlotCap)
	assert.Equal(t, uint32(5), m.SlotCount)
	assert.Equal(t, "ingest-worker-1", m.Creator)
	assert.False(t, m.SealedAt.IsZero())
	assert.NotZero(t, m.PayloadCRC)

	for i := 0; i < 5; i++ {
		got, err := b.Slot(i)
		assert.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("entry-%d", i)), append([]byte(nil), got...))
	}
}

func TestArena_SealIncomplete(t *testing.T) {
	a, err := Create(arenaPath(t), 16, 3)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, a.Close())
	})

	require.NoError(t, a.Write(0, []byte("a")))

	err = a.Seal()
	assert.ErrorIs(t, err, ErrIncomplete)

	_, err = a.Manifest()
	assert.ErrorIs(t, err, ErrNotSealed)
}

func TestArena_PopulateSealsOnSuccess(t *testing.T) {
	path := arenaPath(t)
	a, err := Create(path, 32, 4)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, a.Close())
	})

	var calls []int
	err = a.Populate(func(i int) ([]byte, error) {
		calls = append(calls, i)
		return []byte(fmt.Sprintf("rec-%d", i)), nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, calls)
	assert.True(t, a.Sealed())
}

func TestArena_PopulateErrorDiscardsFile(t *testing.T) {
	path := arenaPath(t)
	a, err := Create(path, 32, 4)
	require.NoError(t, err)

	errBad := fmt.Errorf("record 2 unavailable")
	err = a.Populate(func(i int) ([]byte, error) {
		if i == 2 {
			return nil, errBad
		}
		return []byte("ok"), nil
	})

	assert.ErrorIs(t, err, errBad)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "a failed population must not leave a partial arena behind")
}

func TestArena_PopulatePanicDiscardsFile(t *testing.T) {
	path := arenaPath(t)
	a, err := Create(path, 32, 4)
	require.NoError(t, err)

	assert.Panics(t, func() {
		_ = a.Populate(func(i int) ([]byte, error) {
			if i == 1 {
				panic("source failed")
			}
			return []byte("ok"), nil
		})
	})

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestArena_ZeroSlots(t *testing.T) {
	a, err := Create(arenaPath(t), 8, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, a.Close())
	})

	require.NoError(t, a.Populate(func(int) ([]byte, error) {
		t.Fatal("no slot to populate")
		return nil, nil
	}))
	assert.True(t, a.Sealed())
}

func TestArena_CorruptSlotDetected(t *testing.T) {
	a, err := Create(arenaPath(t), 32, 2)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, a.Close())
	})

	require.NoError(t, a.Write(0, []byte("pristine")))
	require.NoError(t, a.Write(1, []byte("also fine")))

	// flip one payload byte of slot 0
	a.data[a.slotOffset(0)+slotHeaderSize] ^= 0xFF

	_, err = a.Slot(0)
	assert.ErrorIs(t, err, ErrInvalidCRC)

	_, err = a.Slot(1)
	assert.NoError(t, err)
}

func TestArena_RecoveryScanAdjustsCommit(t *testing.T) {
	path := arenaPath(t)
	a, err := Create(path, 32, 4)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Write(i, []byte(fmt.Sprintf("rec-%d", i))))
	}
	// simulate a torn write in slot 1
	a.data[a.slotOffset(1)+slotHeaderSize] ^= 0xFF
	require.NoError(t, a.Close())

	b, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, b.Close())
	})

	assert.Equal(t, 1, b.Committed(), "recovery must stop at the first bad slot")

	require.NoError(t, b.Write(1, []byte("rewritten")))
	got, err := b.Slot(1)
	assert.NoError(t, err)
	assert.Equal(t, []byte("rewritten"), append([]byte(nil), got...))
}

func TestArena_OpenRejectsGarbage(t *testing.T) {
	path := arenaPath(t)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not an arena"), 64), 0644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestArena_ClosedErrors(t *testing.T) {
	a, err := Create(arenaPath(t), 16, 1)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	assert.NoError(t, a.Close(), "repeated close is a no-op")

	assert.ErrorIs(t, a.Write(0, []byte("late")), ErrClosed)
	_, err = a.Slot(0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.Sync(), ErrClosed)
}

func TestArena_SlotsFeedsFromSeq(t *testing.T) {
	a, err := Create(arenaPath(t), 32, 3)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, a.Close())
	})

	require.NoError(t, a.Populate(func(i int) ([]byte, error) {
		return []byte(fmt.Sprintf("rec-%d", i)), nil
	}))

	got, err := arrayfill.FromSeq(3, a.Slots())
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, rec := range got {
		assert.Equal(t, []byte(fmt.Sprintf("rec-%d", i)), append([]byte(nil), rec...))
	}

	// asking for more slots than the arena holds is an insufficient source
	_, err = arrayfill.FromSeq(4, a.Slots())
	assert.ErrorIs(t, err, arrayfill.ErrShortSource)
}

func TestManifest_EncodeDecode(t *testing.T) {
	tests := []Manifest{
		{SlotCap: 32, SlotCount: 5, PayloadCRC: 0xDEAD, Creator: "worker"},
		{SlotCap: 1, SlotCount: 0, Creator: ""},
	}

	for _, original := range tests {
		encoded := original.encode()

		decoded, err := decodeManifest(encoded)
		require.NoError(t, err)
		assert.Equal(t, original.SlotCap, decoded.SlotCap)
		assert.Equal(t, original.SlotCount, decoded.SlotCount)
		assert.Equal(t, original.PayloadCRC, decoded.PayloadCRC)
		assert.Equal(t, original.Creator, decoded.Creator)
	}
}

func TestManifest_DecodeShortBuffer(t *testing.T) {
	_, err := decodeManifest([]byte{1, 2})
	assert.Error(t, err)
}
