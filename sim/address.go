package sim

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Region is the protocol area an address points into.
type Region string

const (
	RegionIX Region = "IX" // bit input, read by the controller
	RegionQX Region = "QX" // bit output, written by the controller
	RegionIW Region = "IW" // word input
	RegionQW Region = "QW" // word output
	RegionX  Region = "X"  // legacy bit, raw coil number
	RegionW  Region = "W"  // legacy word, raw register number
)

// Width tells bit addresses from word addresses.
type Width int

const (
	WidthBit Width = iota
	WidthWord
)

func (w Width) String() string {
	if w == WidthBit {
		return "bit"
	}
	return "word"
}

// Direction is seen from the controller: inputs are what it reads from the
// process, outputs are what it commands.
type Direction int

const (
	DirInput Direction = iota
	DirOutput
)

func (d Direction) String() string {
	if d == DirInput {
		return "input"
	}
	return "output"
}

// MaxAddress is the highest coil or register number of the bank.
const MaxAddress = 65535

// Address is a parsed protocol location.
type Address struct {
	Region Region
	Index  int
	Bit    int // 0–7, IX/QX only
}

var addressPattern = regexp.MustCompile(`^%?(IX|QX|IW|QW|X|W)(\d+)(?:\.(\d+))?$`)

// ParseAddress parses "%IX0.3", "QW12", "X100" and friends.
func ParseAddress(s string) (Address, error) {
	m := addressPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return Address{}, fmt.Errorf("malformed address %q", s)
	}
	a := Address{Region: Region(m[1])}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return Address{}, fmt.Errorf("address %q: %w", s, err)
	}
	if idx > MaxAddress {
		return Address{}, fmt.Errorf("address %q: index %d out of range [0, %d]", s, idx, MaxAddress)
	}
	a.Index = idx

	hasBit := m[3] != ""
	switch a.Region {
	case RegionIX, RegionQX:
		if !hasBit {
			return Address{}, fmt.Errorf("address %q: bit region needs a .bit suffix", s)
		}
		bit, err := strconv.Atoi(m[3])
		if err != nil || bit > 7 {
			return Address{}, fmt.Errorf("address %q: bit index must be 0-7", s)
		}
		a.Bit = bit
	default:
		if hasBit {
			return Address{}, fmt.Errorf("address %q: %s takes no bit suffix", s, a.Region)
		}
	}

	if loc := a.location(); loc < 0 || loc > MaxAddress {
		return Address{}, fmt.Errorf("address %q: location %d out of range [0, %d]", s, loc, MaxAddress)
	}
	return a, nil
}

// Width returns whether a addresses a coil or a register.
func (a Address) Width() Width {
	switch a.Region {
	case RegionIX, RegionQX, RegionX:
		return WidthBit
	default:
		return WidthWord
	}
}

// Direction returns whether the controller reads or writes a.
func (a Address) Direction() Direction {
	switch a.Region {
	case RegionIX, RegionIW:
		return DirInput
	default:
		return DirOutput
	}
}

// Coil returns the coil number of a bit address.
func (a Address) Coil() uint16 {
	return uint16(a.location())
}

// Register returns the register number of a word address.
func (a Address) Register() uint16 {
	return uint16(a.Index)
}

func (a Address) location() int {
	if a.Region == RegionIX || a.Region == RegionQX {
		return a.Index*8 + a.Bit
	}
	return a.Index
}

func (a Address) String() string {
	switch a.Region {
	case RegionIX, RegionQX:
		return fmt.Sprintf("%%%s%d.%d", a.Region, a.Index, a.Bit)
	case RegionX, RegionW:
		return fmt.Sprintf("%s%d", a.Region, a.Index)
	default:
		return fmt.Sprintf("%%%s%d", a.Region, a.Index)
	}
}

// IsZero reports whether a was never parsed.
func (a Address) IsZero() bool { return a.Region == "" }
