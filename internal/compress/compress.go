// Package compress wraps replication streams in a compression codec.
package compress

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type Codec string

const (
	// None sends the stream as-is.
	None Codec = "none"
	// Gzip compression
	Gzip Codec = "gzip"
	// LZ4 compression
	LZ4 Codec = "lz4"
	// Lzop compression, delegated to the lzop binary
	Lzop Codec = "lzop"
	// Zstd compression
	Zstd Codec = "zstd"
)

// Default applies to destinations that do not name a codec.
const Default = None

func Supported(cc Codec) bool {
	switch cc {
	case None, Gzip, LZ4, Lzop, Zstd:
		return true
	}
	return false
}

// Parse maps a config tag to a codec; "" and "none" are None.
func Parse(s string) (Codec, error) {
	cc := Codec(strings.ToLower(strings.TrimSpace(s)))
	if cc == "" {
		return Default, nil
	}
	if !Supported(cc) {
		return "", fmt.Errorf("unsupported compression %q", s)
	}
	return cc, nil
}

// DecompressCommand is the pipeline stage a receiving shell runs before
// zfs receive. It is nil for None.
func (cc Codec) DecompressCommand() []string {
	switch cc {
	case Gzip:
		return []string{"gzip", "-dc"}
	case LZ4:
		return []string{"lz4", "-dc"}
	case Lzop:
		return []string{"lzop", "-dfc"}
	case Zstd:
		return []string{"zstd", "-dc"}
	}
	return nil
}

// Binary is the executable the receiving side needs, or "".
func (cc Codec) Binary() string {
	if cmd := cc.DecompressCommand(); len(cmd) > 0 {
		return cmd[0]
	}
	return ""
}

// NewWriter returns a writer that compresses into w. Closing it flushes the
// codec but does not close w.
func (cc Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch cc {
	case None, "":
		return nopCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case LZ4:
		return lz4.NewWriter(w), nil
	case Zstd:
		return zstd.NewWriter(w)
	case Lzop:
		return newLzopWriter(w)
	}
	return nil, fmt.Errorf("unsupported compression %q", cc)
}

// CompressCommand is the pipeline stage a sending shell appends after zfs
// send. It is nil for None.
func (cc Codec) CompressCommand() []string {
	if cmd := cc.DecompressCommand(); len(cmd) > 0 {
		return []string{cmd[0], "-c"}
	}
	return nil
}

// Usable reports whether this host can encode and decode cc.
func (cc Codec) Usable() bool {
	if cc == Lzop {
		return lzopAvailable()
	}
	return Supported(cc) || cc == ""
}

// Compress returns a reader yielding src compressed with cc. Errors from
// src or the encoder surface on Read. Close stops the encoder even when the
// output was not read to the end.
func (cc Codec) Compress(src io.Reader) (io.ReadCloser, error) {
	if cc == None || cc == "" {
		return io.NopCloser(src), nil
	}
	pr, pw := io.Pipe()
	enc, err := cc.NewWriter(pw)
	if err != nil {
		return nil, err
	}
	go func() {
		_, err := io.Copy(enc, src)
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
		_ = pw.CloseWithError(err)
	}()
	return pr, nil
}

// Decompress returns a reader yielding src decoded with cc. Close releases
// the decoder but does not close src.
func (cc Codec) Decompress(src io.Reader) (io.ReadCloser, error) {
	switch cc {
	case None, "":
		return io.NopCloser(src), nil
	case Gzip:
		return gzip.NewReader(src)
	case LZ4:
		return io.NopCloser(lz4.NewReader(src)), nil
	case Zstd:
		d, err := zstd.NewReader(src)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case Lzop:
		return newLzopReader(src)
	}
	return nil, fmt.Errorf("unsupported compression %q", cc)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
