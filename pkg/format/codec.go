package format

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/vrtree/pkg/pool"
)

// Encoding selects a document serialization.
type Encoding int

const (
	// Guess picks the encoding from the file extension when writing and
	// from the content when reading.
	Guess Encoding = iota
	Text
	Native
)

func (e Encoding) String() string {
	switch e {
	case Text:
		return "text"
	case Native:
		return "native"
	}
	return "guess"
}

// nativeMagic starts every native document.
var nativeMagic = []byte("VRNATIVE\x01")

// Extensions per encoding.
var (
	TextExtensions   = []string{".vrtxt", ".yaml", ".yml"}
	NativeExtensions = []string{".vrnative"}
)

// EncodingFor guesses the encoding of path from its extension.
func EncodingFor(path string) (Encoding, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range TextExtensions {
		if ext == e {
			return Text, true
		}
	}
	for _, e := range NativeExtensions {
		if ext == e {
			return Native, true
		}
	}
	return Guess, false
}

// Sniff detects the encoding of data from its first bytes.
func Sniff(data []byte) Encoding {
	if bytes.HasPrefix(data, nativeMagic) {
		return Native
	}
	return Text
}

// Encode writes doc to w.
func Encode(w io.Writer, doc *Document, enc Encoding) error {
	if doc.Version == 0 {
		doc.Version = CurrentVersion
	}
	switch enc {
	case Text, Guess:
		ye := yaml.NewEncoder(w)
		ye.SetIndent(2)
		if err := ye.Encode(doc); err != nil {
			return fmt.Errorf("format: encoding text: %w", err)
		}
		return ye.Close()
	case Native:
		if _, err := w.Write(nativeMagic); err != nil {
			return err
		}
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("format: zstd writer: %w", err)
		}
		if err := gob.NewEncoder(zw).Encode(doc); err != nil {
			zw.Close()
			return fmt.Errorf("format: encoding native: %w", err)
		}
		return zw.Close()
	}
	return fmt.Errorf("%w: %d", ErrUnknownFormat, enc)
}

// Marshal encodes doc into a new byte slice.
func Marshal(doc *Document, enc Encoding) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := Encode(buf, doc, enc); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Decode reads a document in either encoding from r.
func Decode(r io.Reader) (*Document, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(nativeMagic))
	var doc Document
	if Sniff(head) == Native {
		if _, err := br.Discard(len(nativeMagic)); err != nil {
			return nil, err
		}
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("format: zstd reader: %w", err)
		}
		defer zr.Close()
		if err := gob.NewDecoder(zr).Decode(&doc); err != nil {
			return nil, fmt.Errorf("format: decoding native: %w", err)
		}
	} else {
		if err := yaml.NewDecoder(br).Decode(&doc); err != nil {
			return nil, fmt.Errorf("format: decoding text: %w", err)
		}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Unmarshal decodes a document from data.
func Unmarshal(data []byte) (*Document, error) {
	return Decode(bytes.NewReader(data))
}

// WriteFile encodes doc into path. With Guess the encoding follows the
// extension and defaults to Text. The file is replaced atomically.
func WriteFile(path string, doc *Document, enc Encoding) error {
	if enc == Guess {
		if e, ok := EncodingFor(path); ok {
			enc = e
		} else {
			enc = Text
		}
	}
	data, err := Marshal(doc, enc)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("format: writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("format: writing %s: %w", path, err)
	}
	return nil
}

// ReadFile decodes the document stored in path.
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("format: reading %s: %w", path, err)
	}
	defer f.Close()
	doc, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("format: reading %s: %w", path, err)
	}
	return doc, nil
}
