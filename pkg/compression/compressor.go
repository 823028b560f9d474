package compression

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a payload compression algorithm. The numeric value is
// carried in the low three bits of the EMP flags byte.
type Algorithm uint8

const (
	None Algorithm = iota
	Zstd
	LZ4
	Snappy
	Gzip
	Brotli
)

// MaxAlgorithm is the highest algorithm id a frame may carry.
const MaxAlgorithm = Brotli

// ErrTooLarge is returned when decompressed output would exceed the caller's limit.
var ErrTooLarge = errors.New("decompressed payload exceeds limit")

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	case Snappy:
		return "snappy"
	case Gzip:
		return "gzip"
	case Brotli:
		return "brotli"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm maps a configuration name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	for a := None; a <= MaxAlgorithm; a++ {
		if a.String() == name {
			return a, nil
		}
	}
	return None, fmt.Errorf("unsupported compression type: %q", name)
}

// Compressor defines the interface for compression algorithms
type Compressor interface {
	// Compress compresses data
	Compress(data []byte) ([]byte, error)

	// Decompress decompresses data, failing with ErrTooLarge once the output
	// would exceed limit bytes. A limit <= 0 disables the check.
	Decompress(data []byte, limit int) ([]byte, error)

	// Name returns the compressor name
	Name() string
}

// Factory holds one compressor per algorithm
type Factory struct {
	compressors map[Algorithm]Compressor
	mutex       sync.RWMutex
}

// NewFactory creates an empty compressor factory
func NewFactory() *Factory {
	return &Factory{
		compressors: make(map[Algorithm]Compressor),
	}
}

// NewDefaultFactory creates a factory with every supported algorithm registered
func NewDefaultFactory(level int) (*Factory, error) {
	f := NewFactory()

	zstdCompressor, err := NewZstdCompressor(level)
	if err != nil {
		return nil, err
	}
	f.Register(Zstd, zstdCompressor)
	f.Register(LZ4, NewLZ4Compressor())
	f.Register(Snappy, NewSnappyCompressor())
	f.Register(Gzip, NewGzipCompressor(level))
	f.Register(Brotli, NewBrotliCompressor(level))

	return f, nil
}

// Register registers a compressor for an algorithm
func (f *Factory) Register(alg Algorithm, compressor Compressor) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.compressors[alg] = compressor
}

// Get returns the compressor for the given algorithm
func (f *Factory) Get(alg Algorithm) (Compressor, error) {
	if alg == None {
		return NoCompressor{}, nil
	}

	f.mutex.RLock()
	defer f.mutex.RUnlock()

	compressor, exists := f.compressors[alg]
	if !exists {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
	return compressor, nil
}

// readAllLimited reads r to EOF, failing once more than limit bytes arrive
func readAllLimited(r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

// NoCompressor implements a no-op compressor
type NoCompressor struct{}

func (NoCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (NoCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	if limit > 0 && len(data) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

func (NoCompressor) Name() string {
	return "none"
}

// ZstdCompressor implements Zstandard compression with pooled coders
type ZstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewZstdCompressor creates a zstd compressor for the given zstd level (1-22)
func NewZstdCompressor(level int) (*ZstdCompressor, error) {
	encoderLevel := zstd.EncoderLevelFromZstd(level)

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(64<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	z := &ZstdCompressor{}
	z.encoderPool.New = func() interface{} {
		enc, _ := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(encoderLevel),
			zstd.WithEncoderConcurrency(1),
			zstd.WithZeroFrames(true),
		)
		return enc
	}
	z.decoderPool.New = func() interface{} {
		dec, _ := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(64<<20),
		)
		return dec
	}
	z.encoderPool.Put(encoder)
	z.decoderPool.Put(decoder)

	return z, nil
}

func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	encoder := z.encoderPool.Get().(*zstd.Encoder)
	defer z.encoderPool.Put(encoder)
	return encoder.EncodeAll(data, nil), nil
}

func (z *ZstdCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	decoder := z.decoderPool.Get().(*zstd.Decoder)
	defer z.decoderPool.Put(decoder)

	if err := decoder.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	out, err := readAllLimited(decoder, limit)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

func (z *ZstdCompressor) Name() string {
	return "zstd"
}

// LZ4Compressor implements LZ4 frame compression
type LZ4Compressor struct{}

func NewLZ4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (l *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	return buf.Bytes(), nil
}

func (l *LZ4Compressor) Decompress(data []byte, limit int) ([]byte, error) {
	out, err := readAllLimited(lz4.NewReader(bytes.NewReader(data)), limit)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	return out, nil
}

func (l *LZ4Compressor) Name() string {
	return "lz4"
}

// SnappyCompressor implements Snappy block compression
type SnappyCompressor struct{}

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (s *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (s *SnappyCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("snappy: %w", err)
	}
	if limit > 0 && n > limit {
		return nil, fmt.Errorf("snappy: %w", ErrTooLarge)
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy: %w", err)
	}
	return out, nil
}

func (s *SnappyCompressor) Name() string {
	return "snappy"
}

// GzipCompressor implements gzip compression
type GzipCompressor struct {
	level int
}

func NewGzipCompressor(level int) *GzipCompressor {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return &GzipCompressor{level: level}
}

func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *GzipCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer reader.Close()

	out, err := readAllLimited(reader, limit)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return out, nil
}

func (g *GzipCompressor) Name() string {
	return "gzip"
}

// BrotliCompressor implements Brotli compression
type BrotliCompressor struct {
	level int
}

func NewBrotliCompressor(level int) *BrotliCompressor {
	if level < brotli.BestSpeed || level > brotli.BestCompression {
		level = brotli.DefaultCompression
	}
	return &BrotliCompressor{level: level}
}

func (b *BrotliCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := brotli.NewWriterLevel(&buf, b.level)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("brotli: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("brotli: %w", err)
	}
	return buf.Bytes(), nil
}

func (b *BrotliCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	out, err := readAllLimited(brotli.NewReader(bytes.NewReader(data)), limit)
	if err != nil {
		return nil, fmt.Errorf("brotli: %w", err)
	}
	return out, nil
}

func (b *BrotliCompressor) Name() string {
	return "brotli"
}
