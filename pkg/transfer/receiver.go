package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/saintparish4/burrow/pkg/reliable"
	"github.com/saintparish4/burrow/pkg/types"
)

// Receiver writes one file from a channel into a directory
type Receiver struct {
	ch     Channel
	dir    string
	opts   Options
	logger *slog.Logger
}

// NewReceiver creates a new file receiver
func NewReceiver(ch Channel, dir string, opts Options) *Receiver {
	opts = opts.withDefaults()
	return &Receiver{
		ch:     ch,
		dir:    dir,
		opts:   opts,
		logger: opts.Logger.With("component", "transfer", "role", "receiver"),
	}
}

// safeName reduces a peer-supplied name to a single path element
func safeName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", fmt.Errorf("%w: unusable name %q", ErrBadHeader, name)
	}
	return base, nil
}

// Receive writes chunks to <name>.part, checks the digest carried by FIN
// and renames the file into place only if it matches. When resuming, the
// chunks already in <name>.part are kept and only the rest is requested.
// The partial file survives a broken channel or a canceled context so a
// later attempt can resume it; any other failure removes it.
func (r *Receiver) Receive(ctx context.Context) (*Stats, error) {
	start := time.Now()

	data, err := r.ch.Recv(ctx)
	if errors.Is(err, reliable.ErrFin) {
		r.ch.AckFin(false)
		return nil, fmt.Errorf("%w before header", ErrUnexpectedFin)
	}
	if err != nil {
		return nil, fmt.Errorf("receive header: %w", err)
	}

	header, err := decodeHeader(data)
	if err == nil {
		header.Name, err = safeName(header.Name)
	}
	if err != nil {
		r.reject(ctx, err)
		return nil, err
	}

	sess := newSession(header)
	final := filepath.Join(r.dir, header.Name)
	part := final + PartSuffix

	file, resumed, err := r.open(part, sess)
	if err != nil {
		r.reject(ctx, err)
		return nil, err
	}
	keep, committed := false, false
	defer func() {
		if !committed {
			file.Close()
			if !keep {
				os.Remove(part)
			}
		}
	}()

	reply, err := encodeAccept(accept{Start: resumed})
	if err != nil {
		return nil, err
	}
	if err := r.ch.Send(ctx, reply); err != nil {
		keep = true
		return nil, fmt.Errorf("send accept: %w", err)
	}

	r.logger.Info("receiving file", "name", header.Name, "size", header.Size, "chunks", header.Chunks, "resume_from", resumed)

	for sess.Next < sess.Chunks {
		chunk, err := r.ch.Recv(ctx)
		if errors.Is(err, reliable.ErrFin) {
			r.ch.AckFin(false)
			return nil, fmt.Errorf("%w: %d of %d chunks", ErrUnexpectedFin, sess.Next, sess.Chunks)
		}
		if err != nil {
			keep = true
			return nil, fmt.Errorf("receive chunk %d: %w", sess.Next, err)
		}
		if len(chunk) > sess.ChunkSize || sess.Bytes+int64(len(chunk)) > sess.Size {
			return nil, fmt.Errorf("%w: chunk %d overruns header", ErrBadHeader, sess.Next)
		}
		if _, err := file.Write(chunk); err != nil {
			return nil, fmt.Errorf("write chunk %d: %w", sess.Next, err)
		}
		sess.add(chunk)
		report(r.opts.OnProgress, sess, start)
	}

	if _, err := r.ch.Recv(ctx); !errors.Is(err, reliable.ErrFin) {
		if err == nil {
			err = ErrTrailingData
		} else {
			keep = true
		}
		return nil, fmt.Errorf("await fin: %w", err)
	}
	want, _ := r.ch.FinDigest()
	digest := sess.Sum()
	ok := want == digest && sess.Bytes == sess.Size

	if err := file.Close(); err != nil {
		ok = false
		r.logger.Error("close file failed", "path", part, "error", err)
	}
	if ok {
		if err := os.Rename(part, final); err != nil {
			ok = false
			r.logger.Error("rename failed", "path", part, "error", err)
		}
	}
	if !ok {
		os.Remove(part)
	}
	committed = true

	if err := r.ch.AckFin(ok); err != nil {
		r.logger.Warn("fin ack failed", "error", err)
	}
	if r.opts.Linger > 0 {
		r.ch.Linger(ctx, r.opts.Linger)
	}

	if !ok {
		return nil, fmt.Errorf("%s: %w", header.Name, types.ErrIntegrityMismatch)
	}
	sess.Complete = true

	stats := &Stats{
		Name:     header.Name,
		Path:     final,
		Bytes:    sess.Bytes,
		Chunks:   sess.Chunks,
		Resumed:  resumed,
		Duration: time.Since(start),
		Digest:   digest,
		Channel:  r.ch.Stats(),
	}
	r.logger.Info("file received", "stats", stats.String())
	return stats, nil
}

// open prepares the partial file. With resume on both sides the whole
// chunks already present are hashed into sess and their count returned;
// otherwise the file starts empty.
func (r *Receiver) open(part string, sess *Session) (*os.File, int, error) {
	flags := os.O_CREATE | os.O_RDWR
	if !r.opts.Resume || !sess.Resume {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("create file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat file: %w", err)
	}
	chunks := int(min(info.Size(), sess.Size) / int64(sess.ChunkSize))

	if err := file.Truncate(min(int64(chunks)*int64(sess.ChunkSize), sess.Size)); err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("truncate file: %w", err)
	}
	if chunks > 0 {
		if err := sess.skip(file, chunks); err != nil {
			file.Close()
			return nil, 0, err
		}
		r.logger.Info("resuming partial file", "path", part, "chunks", chunks, "bytes", sess.Bytes)
	}
	return file, chunks, nil
}

// reject tells the sender why its header was refused
func (r *Receiver) reject(ctx context.Context, cause error) {
	reply, err := encodeAccept(accept{Reject: cause.Error()})
	if err != nil {
		return
	}
	if err := r.ch.Send(ctx, reply); err != nil {
		r.logger.Debug("reject failed", "error", err)
	}
}
