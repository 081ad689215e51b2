package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/saintparish4/burrow/pkg/types"
)

// Sender streams one file into a channel
type Sender struct {
	ch     Channel
	path   string
	opts   Options
	logger *slog.Logger
}

// NewSender creates a new file sender
func NewSender(ch Channel, path string, opts Options) *Sender {
	opts = opts.withDefaults()
	return &Sender{
		ch:     ch,
		path:   path,
		opts:   opts,
		logger: opts.Logger.With("component", "transfer", "role", "sender"),
	}
}

// Send transmits the header, waits for the receiver to say where to start,
// streams the remaining chunks and the FIN digest, then returns once the
// receiver has given its verdict. Chunks the receiver already holds are only
// hashed. A negative verdict is types.ErrIntegrityMismatch.
func (s *Sender) Send(ctx context.Context) (*Stats, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !stat.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", s.path)
	}
	if stat.Size() > MaxFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", stat.Size(), MaxFileSize)
	}

	sess := newSession(Header{
		Name:      filepath.Base(s.path),
		Size:      stat.Size(),
		ChunkSize: s.opts.ChunkSize,
		Chunks:    ChunkCount(stat.Size(), s.opts.ChunkSize),
		Resume:    s.opts.Resume,
	})

	start := time.Now()
	s.logger.Info("sending file", "name", sess.Name, "size", sess.Size, "chunks", sess.Chunks)

	header, err := encodeHeader(sess.Header)
	if err != nil {
		return nil, err
	}
	if err := s.ch.Send(ctx, header); err != nil {
		return nil, fmt.Errorf("send header: %w", err)
	}

	reply, err := s.ch.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("await accept: %w", err)
	}
	acc, err := decodeAccept(reply, sess.Header)
	if err != nil {
		return nil, err
	}
	if acc.Start > 0 {
		if err := sess.skip(file, acc.Start); err != nil {
			return nil, err
		}
		s.logger.Info("resuming", "name", sess.Name, "from_chunk", acc.Start, "bytes", sess.Bytes)
	}

	buf := make([]byte, sess.ChunkSize)
	for sess.Next < sess.Chunks {
		n, err := io.ReadFull(file, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("read chunk %d: %w", sess.Next, err)
		}

		if err := s.ch.Send(ctx, buf[:n]); err != nil {
			return nil, fmt.Errorf("send chunk %d: %w", sess.Next, err)
		}
		sess.add(buf[:n])
		report(s.opts.OnProgress, sess, start)
	}

	if sess.Bytes != sess.Size {
		return nil, fmt.Errorf("file changed while sending: read %d of %d bytes", sess.Bytes, sess.Size)
	}

	digest := sess.Sum()
	ok, err := s.ch.Finish(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("finish: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("receiver rejected %s: %w", sess.Name, types.ErrIntegrityMismatch)
	}
	sess.Complete = true

	stats := &Stats{
		Name:     sess.Name,
		Path:     s.path,
		Bytes:    sess.Bytes,
		Chunks:   sess.Chunks,
		Resumed:  acc.Start,
		Duration: time.Since(start),
		Digest:   digest,
		Channel:  s.ch.Stats(),
	}
	s.logger.Info("file sent", "stats", stats.String())
	return stats, nil
}
