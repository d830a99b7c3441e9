// Copyright 2024 The RegionDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package backup streams engine key ranges out of and back into a store.
// The stream is a snappy-compressed sequence of length-prefixed key/value
// records with an explicit trailer, so a cut-off stream is detectable. An
// interrupted export reports the last key written; passing it back resumes
// the export where it stopped.
package backup

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/regiondb/regionctl/keys"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/regiondb/regionctl/storage"
	"github.com/regiondb/regionctl/storage/engine"
	"github.com/regiondb/regionctl/util/log"
)

var (
	// ErrTruncatedBackup marks streams that end before their trailer.
	ErrTruncatedBackup = errors.New("backup stream is truncated")
	// ErrBadHeader marks streams that do not start with the expected magic.
	ErrBadHeader = errors.New("not a backup stream")
)

var streamMagic = []byte("RGNBK1")

// Stream content markers.
const (
	// StreamKV holds engine keys of user data.
	StreamKV byte = 'k'
	// StreamLog holds raft log keys.
	StreamLog byte = 'l'

	recordTag  byte = 'r'
	trailerTag byte = 't'
)

// Summary reports what a stream operation covered. After an interrupted
// export, LastKey seeds the resume.
type Summary struct {
	Records int64
	Bytes   int64
	LastKey []byte
}

// ExportOptions tune Export.
type ExportOptions struct {
	// Content marks the stream header; StreamKV if unset.
	Content byte
	// ResumeAfter skips engine keys at or below this key. Taken from the
	// Summary of an interrupted export.
	ResumeAfter []byte
}

// Export streams the engine keys in [start, end) to w. On error, including
// context cancellation, the returned summary is still valid and names the
// last record that made it out.
func Export(
	ctx context.Context,
	store *storage.Store,
	start, end []byte,
	w io.Writer,
	opts ExportOptions,
) (Summary, error) {
	if opts.Content == 0 {
		opts.Content = StreamKV
	}
	if len(opts.ResumeAfter) > 0 {
		resumed := append(append([]byte(nil), opts.ResumeAfter...), 0)
		if string(resumed) > string(start) {
			start = resumed
		}
	}

	sw := snappy.NewBufferedWriter(w)
	var summary Summary
	if _, err := sw.Write(append(append([]byte(nil), streamMagic...), opts.Content)); err != nil {
		return summary, errors.Wrap(err, "writing backup header")
	}

	var lenBuf [binary.MaxVarintLen64]byte
	writeChunk := func(data []byte) error {
		n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
		if _, err := sw.Write(lenBuf[:n]); err != nil {
			return err
		}
		_, err := sw.Write(data)
		summary.Bytes += int64(n + len(data))
		return err
	}

	err := store.Scan(ctx, start, end, func(key, value []byte) error {
		if _, err := sw.Write([]byte{recordTag}); err != nil {
			return err
		}
		if err := writeChunk(key); err != nil {
			return err
		}
		if err := writeChunk(value); err != nil {
			return err
		}
		summary.Records++
		summary.LastKey = append(summary.LastKey[:0], key...)
		return nil
	})
	if err != nil {
		// Flush what we have so the partial stream is recoverable.
		_ = sw.Flush()
		return summary, errors.Wrap(err, "exporting")
	}
	if _, err := sw.Write([]byte{trailerTag}); err != nil {
		return summary, errors.Wrap(err, "writing backup trailer")
	}
	if err := sw.Close(); err != nil {
		return summary, errors.Wrap(err, "closing backup stream")
	}
	return summary, nil
}

// ExportRegion streams one region's user data.
func ExportRegion(
	ctx context.Context,
	store *storage.Store,
	desc *regionpb.RegionDescriptor,
	w io.Writer,
	opts ExportOptions,
) (Summary, error) {
	// The engine frames user keys, so the span bounds need framing too.
	// Framed keys preserve order; the span stays half-open.
	span := keys.UserKeySpan(desc.Span())
	start := engine.EncodeRawKey(span.Key)
	end := engine.EncodeRawKey(span.EndKey)
	return Export(ctx, store, start, end, w, opts)
}

// ExportRegionLog streams one region's raft log records.
func ExportRegionLog(
	ctx context.Context,
	store *storage.Store,
	regionID regionpb.RegionID,
	w io.Writer,
	opts ExportOptions,
) (Summary, error) {
	opts.Content = StreamLog
	prefix := keys.RaftLogPrefix(regionID)
	return Export(ctx, store, prefix, prefix.PrefixEnd(), w, opts)
}

// SniffContent reads just the stream header from r and reports the content
// marker, so the caller can pick the right store before applying anything.
// The reader is consumed; reopen or rewind it before Import.
func SniffContent(r io.Reader) (byte, error) {
	sr := snappy.NewReader(r)
	header := make([]byte, len(streamMagic)+1)
	if _, err := io.ReadFull(sr, header); err != nil {
		return 0, errors.Mark(errors.Wrap(err, "reading backup header"), ErrBadHeader)
	}
	if string(header[:len(streamMagic)]) != string(streamMagic) {
		return 0, errors.Mark(
			errors.Newf("bad magic %q", header[:len(streamMagic)]), ErrBadHeader)
	}
	return header[len(streamMagic)], nil
}

// Import applies a backup stream to the store. The stream's records land as
// plain engine keys; a truncated stream is rejected only after everything
// readable has been applied, so a resumed export can be imported in pieces.
func Import(ctx context.Context, store *storage.Store, r io.Reader) (Summary, byte, error) {
	var summary Summary
	sr := bufio.NewReader(snappy.NewReader(r))

	header := make([]byte, len(streamMagic)+1)
	if _, err := io.ReadFull(sr, header); err != nil {
		return summary, 0, errors.Mark(errors.Wrap(err, "reading backup header"), ErrBadHeader)
	}
	if string(header[:len(streamMagic)]) != string(streamMagic) {
		return summary, 0, errors.Mark(
			errors.Newf("bad magic %q", header[:len(streamMagic)]), ErrBadHeader)
	}
	content := header[len(streamMagic)]

	readChunk := func() ([]byte, error) {
		n, err := binary.ReadUvarint(sr)
		if err != nil {
			return nil, err
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(sr, data); err != nil {
			return nil, err
		}
		return data, nil
	}

	const batchSize = 512
	batch, err := store.NewBatch()
	if err != nil {
		return summary, content, err
	}
	pending := 0
	flush := func() error {
		if pending == 0 {
			return nil
		}
		if err := batch.Commit(); err != nil {
			return err
		}
		pending = 0
		batch, err = store.NewBatch()
		return err
	}
	defer func() { _ = batch.Close() }()

	for {
		if err := ctx.Err(); err != nil {
			return summary, content, err
		}
		tag, err := sr.ReadByte()
		if err == io.EOF {
			// No trailer: the stream was cut. Keep what was applied.
			if flushErr := flush(); flushErr != nil {
				return summary, content, flushErr
			}
			return summary, content, errors.Mark(
				errors.Newf("stream ended after %d records without a trailer", summary.Records),
				ErrTruncatedBackup)
		}
		if err != nil {
			return summary, content, err
		}
		switch tag {
		case trailerTag:
			if err := flush(); err != nil {
				return summary, content, err
			}
			log.VEventf(ctx, "imported %d records (%d bytes)", summary.Records, summary.Bytes)
			return summary, content, nil
		case recordTag:
			key, err := readChunk()
			if err != nil {
				if flushErr := flush(); flushErr != nil {
					return summary, content, flushErr
				}
				return summary, content, errors.Mark(
					errors.Wrap(err, "reading record key"), ErrTruncatedBackup)
			}
			value, err := readChunk()
			if err != nil {
				if flushErr := flush(); flushErr != nil {
					return summary, content, flushErr
				}
				return summary, content, errors.Mark(
					errors.Wrap(err, "reading record value"), ErrTruncatedBackup)
			}
			if err := batch.Put(key, value); err != nil {
				return summary, content, err
			}
			summary.Records++
			summary.Bytes += int64(len(key) + len(value))
			summary.LastKey = append(summary.LastKey[:0], key...)
			if pending++; pending >= batchSize {
				if err := flush(); err != nil {
					return summary, content, err
				}
			}
		default:
			return summary, content, errors.Newf("unknown record tag %q", tag)
		}
	}
}
