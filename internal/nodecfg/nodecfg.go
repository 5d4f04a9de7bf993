// Package nodecfg defines the node configuration record kept in
// non-volatile storage, its fixed binary layout and how it is loaded.
package nodecfg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/postalsys/steamlink/internal/slid"
)

// Version is the record layout version. A stored record with any other
// version byte is never trusted.
const Version uint8 = 1

// Field sizes.
const (
	NameSize        = 10
	DescriptionSize = 32

	// RecordSize is the encoded size of a version 1 record.
	RecordSize = 1 + slid.Size + NameSize + DescriptionSize + 4 + 4 + 2 + 1 + 1 + 1
)

var (
	// ErrNotInitialized is returned when storage holds no record.
	ErrNotInitialized = errors.New("node config not initialized")

	// ErrVersionMismatch is returned when the stored version byte differs
	// from Version.
	ErrVersionMismatch = errors.New("node config version mismatch")

	// ErrRecordSize is returned for a record of the wrong length.
	ErrRecordSize = errors.New("node config record has wrong size")

	// ErrInvalidName is returned for names that cannot be stored.
	ErrInvalidName = errors.New("invalid node name")
)

// NodeConfig is the persistent identity and radio settings of a node.
// Layout (60 bytes, little-endian):
//
//	Version        [1 byte]
//	SLID           [4 bytes]
//	Name           [10 bytes, NUL padded]
//	Description    [32 bytes, NUL padded]
//	Latitude       [4 bytes, float32]
//	Longitude      [4 bytes, float32]
//	Altitude       [2 bytes, int16 metres]
//	MaxSilence     [1 byte, milliseconds]
//	BatteryPowered [1 byte]
//	RadioParams    [1 byte]
type NodeConfig struct {
	Version        uint8
	SLID           slid.SLID
	Name           string
	Description    string
	Latitude       float32
	Longitude      float32
	Altitude       int16
	MaxSilence     uint8 // Milliseconds, read by the radio driver
	BatteryPowered bool
	RadioParams    uint8
}

// New returns a record at the current version for the given node.
func New(id slid.SLID, name string) *NodeConfig {
	return &NodeConfig{
		Version:    Version,
		SLID:       id,
		Name:       name,
		MaxSilence: 60,
	}
}

// Validate checks the fields that must hold before a record is stored.
func (c *NodeConfig) Validate() error {
	if c.Version != Version {
		return fmt.Errorf("%w: record is %d, want %d", ErrVersionMismatch, c.Version, Version)
	}
	if !c.SLID.IsValid() {
		return fmt.Errorf("%w: %s", slid.ErrOutOfRange, c.SLID)
	}
	for _, f := range []struct {
		label, value string
	}{{"name", c.Name}, {"description", c.Description}} {
		if !utf8.ValidString(f.value) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidName, f.label)
		}
		if strings.ContainsRune(f.value, 0) {
			return fmt.Errorf("%w: %s contains NUL", ErrInvalidName, f.label)
		}
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	return nil
}

// Encode serializes the record. Name and description are NFC-normalized
// and truncated on a rune boundary to fit their fields.
func (c *NodeConfig) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, RecordSize)
	buf = append(buf, c.Version)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(c.SLID))
	buf = appendFixed(buf, c.Name, NameSize)
	buf = appendFixed(buf, c.Description, DescriptionSize)
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(c.Latitude))
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(c.Longitude))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(c.Altitude))
	buf = append(buf, c.MaxSilence)
	if c.BatteryPowered {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, c.RadioParams)
	return buf, nil
}

// Decode parses a stored record. The version byte is checked before
// anything else is read.
func Decode(buf []byte) (*NodeConfig, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrRecordSize)
	}
	if buf[0] != Version {
		return nil, fmt.Errorf("%w: stored %d, want %d", ErrVersionMismatch, buf[0], Version)
	}
	if len(buf) != RecordSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrRecordSize, len(buf), RecordSize)
	}

	c := &NodeConfig{Version: buf[0]}
	offset := 1

	id, err := slid.Validate(binary.LittleEndian.Uint32(buf[offset:]))
	if err != nil {
		return nil, err
	}
	c.SLID = id
	offset += slid.Size

	c.Name = readFixed(buf[offset : offset+NameSize])
	offset += NameSize

	c.Description = readFixed(buf[offset : offset+DescriptionSize])
	offset += DescriptionSize

	c.Latitude = math.Float32frombits(binary.LittleEndian.Uint32(buf[offset:]))
	offset += 4

	c.Longitude = math.Float32frombits(binary.LittleEndian.Uint32(buf[offset:]))
	offset += 4

	c.Altitude = int16(binary.LittleEndian.Uint16(buf[offset:]))
	offset += 2

	c.MaxSilence = buf[offset]
	c.BatteryPowered = buf[offset+1] != 0
	c.RadioParams = buf[offset+2]

	return c, nil
}

// Fit returns s normalized to NFC and cut to at most n bytes without
// splitting a rune.
func Fit(s string, n int) string {
	s = norm.NFC.String(s)
	if len(s) <= n {
		return s
	}
	cut := 0
	for i, r := range s {
		if i+utf8.RuneLen(r) > n {
			break
		}
		cut = i + utf8.RuneLen(r)
	}
	return s[:cut]
}

func appendFixed(buf []byte, s string, n int) []byte {
	field := make([]byte, n)
	copy(field, Fit(s, n))
	return append(buf, field...)
}

func readFixed(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return strings.ToValidUTF8(string(field), "")
}

// String returns a one-line summary of the record.
func (c *NodeConfig) String() string {
	return fmt.Sprintf("NodeConfig{v%d %s %q radio=%d}", c.Version, c.SLID, c.Name, c.RadioParams)
}
