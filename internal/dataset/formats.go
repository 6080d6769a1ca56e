package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Format is a tabular file type the backend accepts for upload.
type Format interface {
	Name() string
	CanUpload(filename string) bool
	// Sniff checks the first bytes of the file look like this format.
	Sniff(head []byte) error
}

var registry []Format

// Register adds a format to the upload filter.
func Register(f Format) {
	registry = append(registry, f)
}

// ErrUnsupported indicates the extension is not one the backend parses.
var ErrUnsupported = errors.New("unsupported file format")

// Detect selects a format by filename.
func Detect(filename string) (Format, error) {
	for _, f := range registry {
		if f.CanUpload(filename) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w %q (supported: %s)", ErrUnsupported, filepath.Ext(filename), strings.Join(SupportedExtensions(), ", "))
}

// SupportedExtensions lists accepted extensions in registration order.
func SupportedExtensions() []string {
	var out []string
	for _, f := range registry {
		if e, ok := f.(interface{ Extensions() []string }); ok {
			out = append(out, e.Extensions()...)
		}
	}
	return out
}

func init() {
	Register(delimitedFormat{name: "csv", exts: []string{".csv"}})
	Register(delimitedFormat{name: "tsv", exts: []string{".tsv"}})
	Register(magicFormat{name: "xlsx", exts: []string{".xlsx"}, magic: []byte("PK\x03\x04")})
	Register(magicFormat{name: "xls", exts: []string{".xls"}, magic: []byte{0xD0, 0xCF, 0x11, 0xE0}})
}

type delimitedFormat struct {
	name string
	exts []string
}

func (f delimitedFormat) Name() string         { return f.name }
func (f delimitedFormat) Extensions() []string { return f.exts }

func (f delimitedFormat) CanUpload(filename string) bool { return hasExt(filename, f.exts) }

// Sniff rejects obviously binary content: text tables carry no NUL bytes.
func (f delimitedFormat) Sniff(head []byte) error {
	if bytes.IndexByte(head, 0) >= 0 {
		return fmt.Errorf("%s file looks binary", f.name)
	}
	return nil
}

type magicFormat struct {
	name  string
	exts  []string
	magic []byte
}

func (f magicFormat) Name() string         { return f.name }
func (f magicFormat) Extensions() []string { return f.exts }

func (f magicFormat) CanUpload(filename string) bool { return hasExt(filename, f.exts) }

func (f magicFormat) Sniff(head []byte) error {
	if !bytes.HasPrefix(head, f.magic) {
		return fmt.Errorf("file is not a valid %s workbook", f.name)
	}
	return nil
}

func hasExt(filename string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
