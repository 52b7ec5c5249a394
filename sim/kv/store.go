package kv

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// store holds the KV bytes written into each physical slot.
//
// Fast and medium tiers keep one entry per token position. The slow tier keeps
// a single zstd-compressed blob per block, which is why it is not servable.
type store struct {
	blockSize int
	resident  [numTiers][][][]byte // tier -> slot -> offset -> entry
	packed    [][]byte             // slow tier: slot -> compressed block
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

func newStore(blockSize int, capacities [numTiers]int) (*store, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("kv: create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("kv: create zstd decoder: %w", err)
	}
	s := &store{
		blockSize: blockSize,
		packed:    make([][]byte, capacities[Slow]),
		encoder:   enc,
		decoder:   dec,
	}
	for _, t := range []Tier{Fast, Medium} {
		s.resident[t] = make([][][]byte, capacities[t])
	}
	return s, nil
}

func (s *store) close() {
	s.encoder.Close()
	s.decoder.Close()
}

// load returns a copy of every entry in the block at h.
func (s *store) load(h BlockHandle) ([][]byte, error) {
	if h.Tier == Slow {
		return s.unpack(s.packed[h.Slot])
	}
	entries := make([][]byte, s.blockSize)
	for i, e := range s.resident[h.Tier][h.Slot] {
		if e != nil {
			entries[i] = clone(e)
		}
	}
	return entries, nil
}

// put replaces the block content at h.
func (s *store) put(h BlockHandle, entries [][]byte) {
	if h.Tier == Slow {
		s.packed[h.Slot] = s.pack(entries)
		return
	}
	s.resident[h.Tier][h.Slot] = entries
}

func (s *store) read(h BlockHandle, offset int) ([]byte, error) {
	if h.Tier == Slow {
		entries, err := s.unpack(s.packed[h.Slot])
		if err != nil {
			return nil, err
		}
		return entries[offset], nil
	}
	entries := s.resident[h.Tier][h.Slot]
	if entries == nil || entries[offset] == nil {
		return nil, nil
	}
	return clone(entries[offset]), nil
}

func (s *store) write(h BlockHandle, offset int, data []byte) error {
	if h.Tier == Slow {
		entries, err := s.unpack(s.packed[h.Slot])
		if err != nil {
			return err
		}
		entries[offset] = clone(data)
		s.packed[h.Slot] = s.pack(entries)
		return nil
	}
	if s.resident[h.Tier][h.Slot] == nil {
		s.resident[h.Tier][h.Slot] = make([][]byte, s.blockSize)
	}
	s.resident[h.Tier][h.Slot][offset] = clone(data)
	return nil
}

func (s *store) clear(h BlockHandle) {
	if h.Tier == Slow {
		s.packed[h.Slot] = nil
		return
	}
	s.resident[h.Tier][h.Slot] = nil
}

// pack frames entries as uvarint(len+1) followed by the bytes; 0 marks an
// unwritten position. The frame is then compressed.
func (s *store) pack(entries [][]byte) []byte {
	var raw []byte
	for i := 0; i < s.blockSize; i++ {
		var e []byte
		if i < len(entries) {
			e = entries[i]
		}
		if e == nil {
			raw = binary.AppendUvarint(raw, 0)
			continue
		}
		raw = binary.AppendUvarint(raw, uint64(len(e))+1)
		raw = append(raw, e...)
	}
	return s.encoder.EncodeAll(raw, nil)
}

func (s *store) unpack(blob []byte) ([][]byte, error) {
	entries := make([][]byte, s.blockSize)
	if blob == nil {
		return entries, nil
	}
	raw, err := s.decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: decompress block: %w", err)
	}
	for i := 0; i < s.blockSize; i++ {
		n, w := binary.Uvarint(raw)
		if w <= 0 {
			return nil, fmt.Errorf("kv: corrupt block frame at offset %d", i)
		}
		raw = raw[w:]
		if n == 0 {
			continue
		}
		size := int(n - 1)
		if size > len(raw) {
			return nil, fmt.Errorf("kv: truncated block frame at offset %d", i)
		}
		entries[i] = clone(raw[:size])
		raw = raw[size:]
	}
	return entries, nil
}

// clone copies b, keeping the nil / empty distinction.
func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
