// Package heap implements the LS-VM managed heap: a single contiguous
// region of word-aligned memory managed with an implicit free list and
// boundary tags (component A of the runtime).
//
// Block layout mirrors the reference C allocator
// (lscript/internal/heap.c): one word header, the payload, one word
// footer. The header/footer word packs {size in bits 2..63,
// isPrecedingAllocated in bit 1, isAllocated in bit 0} — size is the
// full block size in bytes, header and footer included.
package heap

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WordSize is the heap's alignment unit. All blocks begin and end on a
// WordSize boundary; header and footer are each one word.
const WordSize = 8

const (
	headerSize = WordSize
	footerSize = WordSize
	overhead   = headerSize + footerSize

	allocatedMask     = uint64(0x1)
	precAllocatedMask = uint64(0x2)
	fieldMask         = uint64(0x3)
)

// NullOffset is the sentinel "no block" value returned by Allocate on
// failure, analogous to a NULL payload pointer in the reference
// implementation.
const NullOffset = -1

// Allocator abstracts the byte store a Heap is built over. The default
// is a plain Go slice; NewWithAllocator accepts any other implementation
// of Make, which is called once to obtain the whole backing region.
type Allocator interface {
	Make(size int) []byte
}

type sliceAllocator struct{}

func (sliceAllocator) Make(size int) []byte { return make([]byte, size) }

// Heap is a single preallocated region managed with an implicit free
// list. It is not safe for concurrent use: one heap is owned by a VM
// registry and shared by all of that registry's environments, so access
// is serialized externally.
type Heap struct {
	mem   []byte
	ptr   int // rotating first-fit cursor; a header offset
	end   int // offset one past the last valid header position (== len(mem))
	log   zerolog.Logger
	debug bool
}

// New creates a heap backed by size payload-bytes worth of capacity
// (the header/footer overhead is added on top, matching create_heap's
// `fullSize = adjSize + HEADER_SIZE + FOOTER_SIZE`).
func New(size int) (*Heap, error) {
	return NewWithAllocator(size, sliceAllocator{})
}

// NewWithAllocator is New with an injectable backing Allocator.
func NewWithAllocator(size int, alloc Allocator) (*Heap, error) {
	if size <= 0 {
		return nil, errors.New("heap: size must be positive")
	}
	adjSize := roundUp(size, WordSize)
	fullSize := adjSize + overhead
	mem := alloc.Make(fullSize)
	if mem == nil {
		return nil, errors.New("heap: backing allocation failed")
	}
	h := &Heap{
		mem: mem,
		ptr: 0,
		end: fullSize,
		log: log.With().Str("component", "heap").Logger(),
	}
	writeWord(h.mem, 0, encode(uint64(fullSize), false, true))
	writeWord(h.mem, fullSize-footerSize, encode(uint64(fullSize), false, true))
	h.log.Debug().Int("bytes", fullSize).Msg("heap created")
	return h, nil
}

// SetDebug toggles release/debug poisoning and stricter Free validation,
// mirroring the reference implementation's `_DEBUG` build switch.
func (h *Heap) SetDebug(debug bool) { h.debug = debug }

// Size returns the heap's total byte size, overhead included. The sum
// of all block sizes always equals this value (spec §8 "Heap size
// conservation").
func (h *Heap) Size() int { return h.end }

func roundUp(n, unit int) int {
	if n%unit == 0 {
		return n
	}
	return n + (unit - n%unit)
}

func encode(size uint64, allocated, precAllocated bool) uint64 {
	v := size << 2
	if allocated {
		v |= allocatedMask
	}
	if precAllocated {
		v |= precAllocatedMask
	}
	return v
}

func decodeSize(word uint64) uint64    { return word >> 2 }
func isAllocated(word uint64) bool     { return word&allocatedMask != 0 }
func isPrecAllocated(word uint64) bool { return word&precAllocatedMask != 0 }

func readWord(mem []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(mem[off : off+WordSize])
}

func writeWord(mem []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(mem[off:off+WordSize], v)
}

func poison(mem []byte, off, n int, b byte) {
	for i := 0; i < n; i++ {
		mem[off+i] = b
	}
}

// Allocate reserves size bytes and returns the byte offset of the
// payload within the heap, or (NullOffset, false) if no free block is
// large enough ("out of memory" at the heap's level; the caller raises
// OUT_OF_MEMORY per spec §7).
func (h *Heap) Allocate(size int) (int, bool) {
	if size <= 0 {
		return NullOffset, false
	}
	desired := roundUp(size, WordSize) + overhead
	if desired >= h.end {
		return NullOffset, false
	}

	start := h.ptr
	for {
		header := readWord(h.mem, h.ptr)
		blockSize := int(decodeSize(header))
		if !isAllocated(header) && blockSize >= desired {
			return h.splitAndTake(h.ptr, blockSize, desired), true
		}
		h.ptr += blockSize
		if h.ptr >= h.end {
			h.ptr = 0
		}
		if h.ptr == start {
			break
		}
	}
	h.log.Debug().Int("requested", size).Msg("allocation failed: out of memory")
	return NullOffset, false
}

func (h *Heap) splitAndTake(headerOff, blockSize, desired int) int {
	precAllocated := headerOff != 0 && isAllocated(readWord(h.mem, headerOff-footerSize))
	leftover := blockSize - desired
	if leftover < overhead {
		desired = blockSize
		leftover = 0
	}

	writeWord(h.mem, headerOff, encode(uint64(desired), true, precAllocated))
	writeWord(h.mem, headerOff+desired-footerSize, encode(uint64(desired), true, precAllocated))

	nextHeaderOff := headerOff + desired
	if leftover >= overhead {
		writeWord(h.mem, nextHeaderOff, encode(uint64(leftover), false, true))
		writeWord(h.mem, nextHeaderOff+leftover-footerSize, encode(uint64(leftover), false, true))
	} else if nextHeaderOff < h.end {
		// Entire free block consumed; mark the following block's
		// preceding-allocated bit.
		nextWord := readWord(h.mem, nextHeaderOff)
		nextWord |= precAllocatedMask
		writeWord(h.mem, nextHeaderOff, nextWord)
		nextBlockSize := int(decodeSize(nextWord))
		if nextBlockSize > 0 {
			footerOff := nextHeaderOff + nextBlockSize - footerSize
			if footerOff < h.end {
				writeWord(h.mem, footerOff, readWord(h.mem, nextHeaderOff))
			}
		}
	}

	payloadOff := headerOff + headerSize
	if h.debug {
		poison(h.mem, payloadOff, desired-overhead, 0xdd)
	}
	h.ptr = nextHeaderOff
	if h.ptr >= h.end {
		h.ptr = 0
	}
	return payloadOff
}

// At returns the payload slice for a previously allocated offset,
// sized to the block's payload capacity: the caller's original request
// rounded up to a word, plus one more word when the free block it came
// from was too small to split and was taken whole.
func (h *Heap) At(payloadOffset int) []byte {
	headerOff := payloadOffset - headerSize
	size := int(decodeSize(readWord(h.mem, headerOff)))
	return h.mem[payloadOffset : headerOff+size-footerSize]
}

// ReadAt returns a copy of n raw bytes at an arbitrary absolute offset
// — unlike At, offset need not be a block's own payload start; callers
// (object field and array element access) pass interior addresses
// computed by the manager (spec §4.C field/element offsets).
func (h *Heap) ReadAt(offset, n int) []byte {
	out := make([]byte, n)
	copy(out, h.mem[offset:offset+n])
	return out
}

// WriteAt copies data into the heap at an arbitrary absolute offset,
// the write-side counterpart to ReadAt.
func (h *Heap) WriteAt(offset int, data []byte) {
	copy(h.mem[offset:offset+len(data)], data)
}

// Free releases a block returned by Allocate. An invalid pointer
// (outside the heap, or header/footer mismatch) is a silent no-op in
// release builds and logged in debug builds, matching spec §4.A.
func (h *Heap) Free(payloadOffset int) {
	if payloadOffset == NullOffset {
		return
	}
	headerOff := payloadOffset - headerSize
	if headerOff < 0 || headerOff >= h.end-footerSize {
		if h.debug {
			h.log.Warn().Int("offset", payloadOffset).Msg("free: pointer outside heap")
		}
		return
	}

	header := readWord(h.mem, headerOff)
	size := int(decodeSize(header))
	footerOff := headerOff + size - footerSize
	if footerOff < 0 || footerOff >= h.end {
		if h.debug {
			h.log.Warn().Int("offset", payloadOffset).Msg("free: corrupt block size")
		}
		return
	}
	footer := readWord(h.mem, footerOff)
	if decodeSize(footer) != decodeSize(header) || isAllocated(footer) != isAllocated(header) {
		if h.debug {
			h.log.Warn().Int("offset", payloadOffset).Msg("free: header/footer mismatch (double free?)")
		}
		return
	}
	if !isAllocated(header) {
		if h.debug {
			h.log.Warn().Int("offset", payloadOffset).Msg("double free detected")
		}
		return
	}

	precAllocated := isPrecAllocated(header)
	header = encode(uint64(size), false, precAllocated)
	writeWord(h.mem, headerOff, header)
	writeWord(h.mem, footerOff, header)

	nextHeaderOff := footerOff + footerSize
	if nextHeaderOff < h.end {
		nextWord := readWord(h.mem, nextHeaderOff) &^ precAllocatedMask
		writeWord(h.mem, nextHeaderOff, nextWord)
		nextSize := int(decodeSize(nextWord))
		nextFooterOff := nextHeaderOff + nextSize - footerSize
		if nextFooterOff < h.end {
			writeWord(h.mem, nextFooterOff, nextWord)
		}
	}

	if h.debug {
		poison(h.mem, payloadOffset, size-overhead, 0xab)
	}

	h.coalesce(headerOff)
}

// coalesce merges headerOff with its free left/right neighbors, walking
// left first (recursively, as the reference implementation does) then
// sweeping right, so the result is the single maximal free extent — no
// two adjacent free blocks ever coexist (spec §8 "Heap coalescing").
func (h *Heap) coalesce(headerOff int) {
	header := readWord(h.mem, headerOff)
	if !isPrecAllocated(header) && headerOff != 0 {
		prevFooterOff := headerOff - footerSize
		prevFooter := readWord(h.mem, prevFooterOff)
		prevSize := int(decodeSize(prevFooter))
		prevHeaderOff := headerOff - prevSize
		if h.ptr == headerOff {
			h.ptr = prevHeaderOff
		}
		h.coalesce(prevHeaderOff)
		return
	}

	next := headerOff + int(decodeSize(header))
	for next < h.end {
		nextWord := readWord(h.mem, next)
		if isAllocated(nextWord) {
			break
		}
		next += int(decodeSize(nextWord))
	}

	freeSize := next - headerOff
	footerOff := next - footerSize
	newHeader := (header & fieldMask) | (uint64(freeSize) << 2)
	writeWord(h.mem, headerOff, newHeader)
	writeWord(h.mem, footerOff, newHeader)

	if h.debug {
		poison(h.mem, headerOff+headerSize, freeSize-overhead, 0xab)
	}
}

// FreeExtents reports the payload capacity of every free block, one int
// per block, in heap order (ascending by offset) — used by tests to
// assert the coalescing invariant.
func (h *Heap) FreeExtents() []int {
	var extents []int
	off := 0
	for off < h.end {
		word := readWord(h.mem, off)
		size := int(decodeSize(word))
		if size <= 0 {
			break
		}
		if !isAllocated(word) {
			extents = append(extents, size-overhead)
		}
		off += size
	}
	return extents
}
