// Package transfer moves one file over a reliable channel with chunking and
// end-to-end SHA-256 verification.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"time"

	"github.com/saintparish4/burrow/pkg/reliable"
	"github.com/saintparish4/burrow/pkg/wire"
)

const (
	// DefaultChunkSize keeps a DATA datagram under common path MTUs
	DefaultChunkSize = 1200

	// MaxFileSize is the maximum supported file size (10GB)
	MaxFileSize = 10 * 1024 * 1024 * 1024

	// PartSuffix marks a file that has not been verified yet
	PartSuffix = ".part"
)

var (
	// ErrBadHeader is returned when the first payload is not a usable header
	ErrBadHeader = errors.New("transfer: bad header")

	// ErrUnexpectedFin means the sender finished before every chunk arrived
	ErrUnexpectedFin = errors.New("transfer: finished early")

	// ErrTrailingData means more payloads arrived than the header announced
	ErrTrailingData = errors.New("transfer: trailing data")
)

// Channel is the part of *reliable.Channel a transfer needs
type Channel interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Finish(ctx context.Context, digest [wire.DigestSize]byte) (bool, error)
	FinDigest() ([wire.DigestSize]byte, bool)
	AckFin(ok bool) error
	Linger(ctx context.Context, quiet time.Duration) error
	Stats() reliable.Stats
}

// Header is the first payload of every transfer
type Header struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	ChunkSize int    `json:"chunk_size"`
	Chunks    int    `json:"chunks"`

	// Resume asks the receiver to continue an existing partial file
	Resume bool `json:"resume,omitempty"`
}

// accept is the receiver's answer to a header. Start is the first chunk the
// sender must transmit; everything before it is already on disk.
type accept struct {
	Start  int    `json:"start"`
	Reject string `json:"reject,omitempty"`
}

// ChunkCount returns ceil(size/chunkSize)
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

func (h Header) validate() error {
	switch {
	case h.Size < 0 || h.Size > MaxFileSize:
		return fmt.Errorf("%w: size %d", ErrBadHeader, h.Size)
	case h.ChunkSize <= 0 || h.ChunkSize > reliable.MaxPayloadSize:
		return fmt.Errorf("%w: chunk size %d", ErrBadHeader, h.ChunkSize)
	case h.Chunks != ChunkCount(h.Size, h.ChunkSize):
		return fmt.Errorf("%w: %d chunks for %d bytes", ErrBadHeader, h.Chunks, h.Size)
	}
	return nil
}

// Session tracks progress through one file on either side
type Session struct {
	Header
	Next     int
	Bytes    int64
	Complete bool

	digest hash.Hash
}

func newSession(h Header) *Session {
	return &Session{Header: h, digest: sha256.New()}
}

func (s *Session) add(chunk []byte) {
	s.digest.Write(chunk)
	s.Next++
	s.Bytes += int64(len(chunk))
}

// skip hashes the first chunks of r without sending or writing them
func (s *Session) skip(r io.Reader, chunks int) error {
	n := min(int64(chunks)*int64(s.ChunkSize), s.Size)
	if _, err := io.CopyN(s.digest, r, n); err != nil {
		return fmt.Errorf("hash first %d bytes: %w", n, err)
	}
	s.Next = chunks
	s.Bytes = n
	return nil
}

// Sum returns the digest of every chunk added so far
func (s *Session) Sum() [wire.DigestSize]byte {
	var sum [wire.DigestSize]byte
	copy(sum[:], s.digest.Sum(nil))
	return sum
}

// Options configures a Sender or Receiver
type Options struct {
	// ChunkSize is the payload size of each chunk (sender only)
	ChunkSize int

	// Linger is how long the receiver keeps answering repeated FINs
	Linger time.Duration

	// Resume continues from a partial file left by an interrupted transfer.
	// Both sides must enable it.
	Resume bool

	OnProgress ProgressCallback
	Logger     *slog.Logger
}

// DefaultOptions returns default transfer options
func DefaultOptions() Options {
	return Options{
		ChunkSize: DefaultChunkSize,
		Linger:    2 * time.Second,
		Resume:    true,
		Logger:    slog.Default(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ChunkSize <= 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.ChunkSize > reliable.MaxPayloadSize {
		o.ChunkSize = reliable.MaxPayloadSize
	}
	if o.Linger < 0 {
		o.Linger = 0
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	return o
}

func encodeHeader(h Header) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	return data, nil
}

func decodeHeader(data []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	return h, h.validate()
}

func encodeAccept(a accept) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal accept: %w", err)
	}
	return data, nil
}

func decodeAccept(data []byte, h Header) (accept, error) {
	var a accept
	if err := json.Unmarshal(data, &a); err != nil {
		return accept{}, fmt.Errorf("%w: accept: %v", ErrBadHeader, err)
	}
	if a.Reject != "" {
		return a, fmt.Errorf("%w: rejected by receiver: %s", ErrBadHeader, a.Reject)
	}
	if a.Start < 0 || a.Start > h.Chunks || (a.Start > 0 && !h.Resume) {
		return a, fmt.Errorf("%w: start chunk %d of %d", ErrBadHeader, a.Start, h.Chunks)
	}
	return a, nil
}

// --- Progress Tracking ---

// Progress represents transfer progress
type Progress struct {
	FileName       string
	FileSize       int64
	Bytes          int64
	ChunksTotal    int
	ChunksDone     int
	StartTime      time.Time
	BytesPerSecond float64
}

// Percent returns the completion percentage
func (p Progress) Percent() float64 {
	if p.FileSize == 0 {
		return 100
	}
	return float64(p.Bytes) / float64(p.FileSize) * 100
}

// ETA returns estimated time remaining
func (p Progress) ETA() time.Duration {
	if p.BytesPerSecond <= 0 {
		return 0
	}
	remaining := p.FileSize - p.Bytes
	return time.Duration(float64(remaining) / p.BytesPerSecond * float64(time.Second))
}

// ProgressCallback is called after every chunk
type ProgressCallback func(Progress)

func report(cb ProgressCallback, s *Session, start time.Time) {
	if cb == nil {
		return
	}
	p := Progress{
		FileName:    s.Name,
		FileSize:    s.Size,
		Bytes:       s.Bytes,
		ChunksTotal: s.Chunks,
		ChunksDone:  s.Next,
		StartTime:   start,
	}
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		p.BytesPerSecond = float64(s.Bytes) / elapsed
	}
	cb(p)
}

// Stats summarises a finished transfer
type Stats struct {
	Name     string
	Path     string
	Bytes    int64
	Chunks   int
	Resumed  int
	Duration time.Duration
	Digest   [wire.DigestSize]byte
	Channel  reliable.Stats
}

func (s Stats) String() string {
	rate := "-"
	if secs := s.Duration.Seconds(); secs > 0 {
		rate = FormatBytes(int64(float64(s.Bytes)/secs)) + "/s"
	}
	return fmt.Sprintf("%s: %s in %s (%s), %d chunks, %s",
		s.Name, FormatBytes(s.Bytes), FormatDuration(s.Duration), rate, s.Chunks, s.Channel)
}

// FormatBytes returns a human-readable byte size
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration returns a human-readable duration
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
