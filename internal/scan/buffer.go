// Package scan holds the 360-slot distance accumulator that the acquisition
// loop fills from sensor samples and reads back in fixed-size segments.
package scan

import (
	"fmt"
	"math"
	"strings"
)

const (
	// Slots is the number of one-degree buckets in a full rotation.
	Slots = 360
	// SegmentLen is the number of slots carried by one outbound message.
	SegmentLen = 120
)

// SegmentOffsets are the start slots of the three segments that partition a
// Buffer. Order matters: flushes send them in this order.
var SegmentOffsets = [3]int{0, 120, 240}

// AnglePolicy selects how a fractional angle is bucketed into a slot.
type AnglePolicy int

const (
	// Truncate drops the fractional part toward zero (359.9 -> 359, -0.5 -> 0).
	// This is the historical bucketing and the default.
	Truncate AnglePolicy = iota
	// Round picks the nearest integer degree, halves away from zero
	// (359.5 -> 0 after wrapping).
	Round
)

func (p AnglePolicy) String() string {
	switch p {
	case Truncate:
		return "truncate"
	case Round:
		return "round"
	default:
		return fmt.Sprintf("AnglePolicy(%d)", int(p))
	}
}

// ParseAnglePolicy accepts "truncate" or "round" (case-insensitive). An empty
// string selects Truncate.
func ParseAnglePolicy(s string) (AnglePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "truncate", "trunc":
		return Truncate, nil
	case "round", "nearest":
		return Round, nil
	default:
		return Truncate, fmt.Errorf("unknown angle policy %q: expected truncate or round", s)
	}
}

// Sample is one (angle, distance) reading from the sensor.
type Sample struct {
	Angle    float64 // degrees, may be fractional or outside [0,360)
	Distance float64 // millimetres, 0 when the sensor got no return
	Quality  int
	// StartOfScan is set on the first sample of a new rotation when the
	// source knows it.
	StartOfScan bool
}

// SlotFor maps an angle in degrees to its slot in [0, Slots). It reports false
// for NaN and infinite angles, which select no slot.
func SlotFor(angle float64, policy AnglePolicy) (int, bool) {
	if math.IsNaN(angle) || math.IsInf(angle, 0) {
		return 0, false
	}
	var deg float64
	if policy == Round {
		deg = math.Round(angle)
	} else {
		deg = math.Trunc(angle)
	}
	// math.Mod keeps the sign of the dividend, so fold negatives back in.
	slot := int(math.Mod(deg, Slots))
	if slot < 0 {
		slot += Slots
	}
	return slot, true
}

// Buffer is a fixed 360-slot scan accumulator, last write wins. Unwritten
// slots read as 0, meaning "no reading yet".
//
// A Buffer is not synchronised. It belongs to exactly one acquisition worker;
// other goroutines get copies via Snapshot.
type Buffer struct {
	policy AnglePolicy
	slots  [Slots]float32
}

// NewBuffer returns a zeroed buffer using the given angle policy.
func NewBuffer(policy AnglePolicy) *Buffer {
	return &Buffer{policy: policy}
}

// Policy returns the buffer's angle policy.
func (b *Buffer) Policy() AnglePolicy { return b.policy }

// Len is always Slots.
func (b *Buffer) Len() int { return Slots }

// Write stores distance in the slot selected by angle. It reports whether a
// slot was written; NaN or infinite angles are ignored.
func (b *Buffer) Write(angle, distance float64) bool {
	slot, ok := SlotFor(angle, b.policy)
	if !ok {
		return false
	}
	b.slots[slot] = float32(distance)
	return true
}

// At returns the value stored in slot i.
func (b *Buffer) At(i int) float32 { return b.slots[i] }

// Reset zeroes every slot.
func (b *Buffer) Reset() { b.slots = [Slots]float32{} }

// Segment is a contiguous run of SegmentLen slots tagged with its start
// offset.
type Segment struct {
	Start  int
	Values []float32
}

// ValidOffset reports whether start is one of SegmentOffsets.
func ValidOffset(start int) bool {
	for _, off := range SegmentOffsets {
		if off == start {
			return true
		}
	}
	return false
}

// Segment returns a view of the SegmentLen slots starting at start. The view
// aliases the buffer; callers must not modify it and must not retain it past
// the next Write. It panics if start is not one of SegmentOffsets.
func (b *Buffer) Segment(start int) Segment {
	if !ValidOffset(start) {
		panic(fmt.Sprintf("scan: invalid segment offset %d", start))
	}
	end := start + SegmentLen
	return Segment{Start: start, Values: b.slots[start:end:end]}
}

// Segments returns the three segments in SegmentOffsets order.
func (b *Buffer) Segments() [3]Segment {
	var segs [3]Segment
	for i, off := range SegmentOffsets {
		segs[i] = b.Segment(off)
	}
	return segs
}

// Snapshot is an immutable copy of a Buffer's slots.
type Snapshot [Slots]float32

// Snapshot copies the current contents.
func (b *Buffer) Snapshot() Snapshot { return Snapshot(b.slots) }

// Segment returns a copy of the SegmentLen values starting at start. It panics
// if start is not one of SegmentOffsets.
func (s Snapshot) Segment(start int) Segment {
	if !ValidOffset(start) {
		panic(fmt.Sprintf("scan: invalid segment offset %d", start))
	}
	values := make([]float32, SegmentLen)
	copy(values, s[start:start+SegmentLen])
	return Segment{Start: start, Values: values}
}
