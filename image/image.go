// Package image stores LEM programs as CBOR files (.lemc).
//
// An image carries the machine code together with the assembler source and
// label table it was built from, so tools can map offsets back to lines.
// The code is checksummed; a corrupted image fails to load.
package image

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/lem/asm"
)

// Magic identifies an image; Version is the current layout.
const (
	Magic   = "LEMC"
	Version = 1

	// Extension is the file extension of images.
	Extension = ".lemc"
	// SourceExtension is the file extension of assembly sources.
	SourceExtension = ".lasm"
)

var (
	ErrBadMagic           = errors.New("image: not a LEM image")
	ErrUnsupportedVersion = errors.New("image: unsupported version")
	ErrChecksum           = errors.New("image: checksum mismatch")
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Image is a program plus metadata.
type Image struct {
	Magic   string         `cbor:"1,keyasint"`
	Version int            `cbor:"2,keyasint"`
	Name    string         `cbor:"3,keyasint,omitempty"`
	Hash    [32]byte       `cbor:"4,keyasint"` // sha256 of Code
	Code    []byte         `cbor:"5,keyasint"`
	Source  string         `cbor:"6,keyasint,omitempty"` // assembly text, if built from source
	Labels  map[string]int `cbor:"7,keyasint,omitempty"`
}

// New wraps code in an image.
func New(name string, code []byte) *Image {
	return &Image{
		Magic:   Magic,
		Version: Version,
		Name:    name,
		Hash:    sha256.Sum256(code),
		Code:    code,
	}
}

// FromSource assembles src into an image that keeps the source and labels.
func FromSource(name, src string) (*Image, error) {
	p, err := asm.Parse(src)
	if err != nil {
		return nil, err
	}
	img := New(name, p.Code)
	img.Source = src
	if len(p.Labels) > 0 {
		img.Labels = p.Labels
	}
	return img, nil
}

// Verify checks the header and checksum.
func (img *Image) Verify() error {
	if img.Magic != Magic {
		return ErrBadMagic
	}
	if img.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, img.Version)
	}
	if sha256.Sum256(img.Code) != img.Hash {
		return ErrChecksum
	}
	return nil
}

// Marshal serializes an image to canonical CBOR.
func Marshal(img *Image) ([]byte, error) {
	return cborEncMode.Marshal(img)
}

// Unmarshal deserializes and verifies an image.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	if err := img.Verify(); err != nil {
		return nil, err
	}
	return &img, nil
}

// WriteFile writes img to path.
func WriteFile(path string, img *Image) error {
	data, err := Marshal(img)
	if err != nil {
		return fmt.Errorf("image: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile reads and verifies the image at path.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Load reads a program from path, choosing the format by extension:
// assembly source, an image, or anything else as raw machine code.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Decode(name, filepath.Ext(path), data)
}

// Decode interprets data by extension in the same way as Load.
func Decode(name, ext string, data []byte) (*Image, error) {
	switch strings.ToLower(ext) {
	case SourceExtension:
		return FromSource(name, string(data))
	case Extension:
		return Unmarshal(data)
	}
	return New(name, bytes.Clone(data)), nil
}
