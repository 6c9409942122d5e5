package lock

// Mode is a lock mode in the multi-granularity lattice. The intent modes
// (IS/IX) declare the intention to take stronger locks further down the
// hierarchy and are compatible with each other; S and X are the actual
// shared/exclusive modes.
type Mode uint8

const (
	ModeNone Mode = iota

	// ModeIS (Intent Shared) declares the intention to read resources at a
	// lower level, e.g. locking a database IS to read collections under it.
	ModeIS

	// ModeIX (Intent Exclusive) declares the intention to modify resources
	// at a lower level.
	ModeIX

	// ModeS (Shared) allows reading the resource itself. Compatible with
	// other shared holders and with IS.
	ModeS

	// ModeX (Exclusive) allows modifying the resource. Incompatible with
	// every other mode.
	ModeX

	modeCount
)

// conflictTable maps each mode to the bitmask of modes it conflicts with.
// The matrix is symmetric; two modes are compatible iff neither entry lists
// the other.
var conflictTable = [modeCount]uint32{
	ModeNone: 0,
	ModeIS:   modeMask(ModeX),
	ModeIX:   modeMask(ModeS) | modeMask(ModeX),
	ModeS:    modeMask(ModeIX) | modeMask(ModeX),
	ModeX:    modeMask(ModeIS) | modeMask(ModeIX) | modeMask(ModeS) | modeMask(ModeX),
}

func modeMask(m Mode) uint32 {
	return 1 << m
}

// conflicts reports whether mode is incompatible with any mode in the mask.
func conflicts(m Mode, modesMask uint32) bool {
	return conflictTable[m]&modesMask != 0
}

// Compatible reports whether two modes may be granted simultaneously.
func Compatible(a, b Mode) bool {
	return !conflicts(a, modeMask(b))
}

// IsCovered reports whether a lock held in coveringMode is at least as strong
// as mode. X covers everything, S covers IS, IX covers IS; S and IX do not
// cover each other. A mode whose conflict set is a subset of the covering
// mode's conflict set is covered.
func IsCovered(m, coveringMode Mode) bool {
	return conflictTable[coveringMode]|conflictTable[m] == conflictTable[coveringMode]
}

// IsShared reports whether the mode is a read mode (IS or S).
func IsShared(m Mode) bool {
	return m == ModeIS || m == ModeS
}

// IsIntent reports whether the mode is an intent mode (IS or IX).
func IsIntent(m Mode) bool {
	return m == ModeIS || m == ModeIX
}

const intentModesMask = (1 << ModeIS) | (1 << ModeIX)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "NONE"
	case ModeIS:
		return "IS"
	case ModeIX:
		return "IX"
	case ModeS:
		return "S"
	case ModeX:
		return "X"
	}
	return "Unknown lock mode"
}
