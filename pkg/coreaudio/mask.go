package coreaudio

import "math/bits"

// MaxChannels is the fixed capacity of every per-channel collection used on
// the realtime path. Dynamic growth never happens inside the audio callback.
const MaxChannels = 96

// ChannelMask is a fixed 96-bit set selecting the physical channels of a
// device that the client wants exposed. Bit i corresponds to channel i.
type ChannelMask [2]uint64

// MaskFromBits builds a mask from the low 64 channel bits, which covers every
// real-world device layout.
func MaskFromBits(b uint64) ChannelMask {
	return ChannelMask{b, 0}
}

// IsSet reports whether channel i is selected.
func (m ChannelMask) IsSet(i int) bool {
	if i < 0 || i >= MaxChannels {
		return false
	}
	return m[i/64]&(1<<(uint(i)%64)) != 0
}

// Set selects channel i.
func (m *ChannelMask) Set(i int) {
	if i < 0 || i >= MaxChannels {
		return
	}
	m[i/64] |= 1 << (uint(i) % 64)
}

// Count returns the number of selected channels.
func (m ChannelMask) Count() int {
	return bits.OnesCount64(m[0]) + bits.OnesCount64(m[1])
}

// Or returns the union of two masks.
func (m ChannelMask) Or(other ChannelMask) ChannelMask {
	return ChannelMask{m[0] | other[0], m[1] | other[1]}
}

// IsEmpty reports whether no channel is selected.
func (m ChannelMask) IsEmpty() bool {
	return m[0] == 0 && m[1] == 0
}

// truncated returns a copy with every bit at or above n cleared, so a mask
// can never select channels the device does not have.
func (m ChannelMask) truncated(n int) ChannelMask {
	if n <= 0 {
		return ChannelMask{}
	}
	if n >= MaxChannels {
		return m
	}
	var out ChannelMask
	if n >= 64 {
		out[0] = m[0]
		out[1] = m[1] & (1<<(uint(n)-64) - 1)
	} else {
		out[0] = m[0] & (1<<uint(n) - 1)
	}
	return out
}
