package recarena

import (
	"errors"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
)

// Manifest describes a sealed arena. It is stored in the arena's tail region
// as a FlatBuffers table so a reopened arena reads it straight out of the
// mapping without decoding into intermediate buffers.
type Manifest struct {
	SealedAt   time.Time
	SlotCap    uint32
	SlotCount  uint32
	PayloadCRC uint32
	Creator    string
}

// Field slots of the manifest table. The table is built and read with the
// FlatBuffers runtime directly; the vtable offset of field i is 4 + 2*i, and
// new fields may only be appended.
const (
	manifestFieldSealedAt = iota
	manifestFieldSlotCap
	manifestFieldSlotCount
	manifestFieldPayloadCRC
	manifestFieldCreator
	manifestNumFields
)

func manifestVOffset(field int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*field)
}

func (m *Manifest) encode() []byte {
	b := flatbuffers.NewBuilder(256)

	creator := b.CreateString(m.Creator)

	b.StartObject(manifestNumFields)
	b.PrependUint64Slot(manifestFieldSealedAt, uint64(m.SealedAt.UnixNano()), 0)
	b.PrependUint32Slot(manifestFieldSlotCap, m.SlotCap, 0)
	b.PrependUint32Slot(manifestFieldSlotCount, m.SlotCount, 0)
	b.PrependUint32Slot(manifestFieldPayloadCRC, m.PayloadCRC, 0)
	b.PrependUOffsetTSlot(manifestFieldCreator, creator, 0)
	b.Finish(b.EndObject())

	data := b.FinishedBytes()
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

func decodeManifest(buf []byte) (*Manifest, error) {
	if len(buf) < flatbuffers.SizeUOffsetT {
		return nil, errors.New("manifest buffer too short")
	}

	tab := flatbuffers.Table{Bytes: buf, Pos: flatbuffers.GetUOffsetT(buf)}

	m := &Manifest{
		SlotCap:    tab.GetUint32Slot(manifestVOffset(manifestFieldSlotCap), 0),
		SlotCount:  tab.GetUint32Slot(manifestVOffset(manifestFieldSlotCount), 0),
		PayloadCRC: tab.GetUint32Slot(manifestVOffset(manifestFieldPayloadCRC), 0),
	}
	if ns := tab.GetUint64Slot(manifestVOffset(manifestFieldSealedAt), 0); ns != 0 {
		m.SealedAt = time.Unix(0, int64(ns))
	}
	if o := tab.Offset(manifestVOffset(manifestFieldCreator)); o != 0 {
		m.Creator = tab.String(flatbuffers.UOffsetT(o) + tab.Pos)
	}
	return m, nil
}
