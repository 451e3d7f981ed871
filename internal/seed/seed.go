// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package seed loads an initial image into the disk before it is mounted.
// The image is either a local file or an s3 object given as s3://bucket/key.
// Nothing is ever written back, the disk content is lost on exit.
package seed

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	s3Scheme = "s3://"

	// Size of one transfer to the device while loading the image.
	copyBufferSize = 4 * 1024 * 1024
)

var ErrImageTooLarge = errors.New("image is larger than the disk")

// Source of the image data.
type Source struct {
	io.ReadCloser

	// Size in bytes, -1 when unknown.
	Size int64
}

// Open opens the image at uri. S3 options are used only for s3:// uris.
func Open(uri string, o S3Options) (*Source, error) {
	if strings.HasPrefix(uri, s3Scheme) {
		bucket, key, err := parseS3URI(uri)
		if err != nil {
			return nil, err
		}

		client, err := NewS3(o)
		if err != nil {
			return nil, err
		}

		return client.Open(bucket, key)
	}

	return openFile(uri)
}

func openFile(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Source{ReadCloser: f, Size: info.Size()}, nil
}

func parseS3URI(uri string) (string, string, error) {
	path := strings.TrimPrefix(uri, s3Scheme)

	i := strings.Index(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("invalid s3 uri %q, expected s3://bucket/key", uri)
	}

	return path[:i], path[i+1:], nil
}

// Load copies the whole src to the beginning of dst which holds capacity
// bytes. Bytes after the image are left untouched.
func Load(dst io.WriterAt, capacity int64, src *Source) (int64, error) {
	if src.Size > capacity {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrImageTooLarge, src.Size, capacity)
	}

	w := &boundedWriter{dst: dst, capacity: capacity}
	buf := make([]byte, copyBufferSize)

	// Hide WriterTo of the source so every transfer has buffer size.
	n, err := io.CopyBuffer(w, struct{ io.Reader }{src}, buf)
	if err != nil {
		return n, err
	}

	log.Info().Int64("bytes", n).Msg("Image loaded")

	return n, nil
}

// Sequential writer over WriterAt refusing to go past capacity.
type boundedWriter struct {
	dst      io.WriterAt
	off      int64
	capacity int64
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > w.capacity-w.off {
		return 0, fmt.Errorf("%w: more than %d bytes", ErrImageTooLarge, w.capacity)
	}

	n, err := w.dst.WriteAt(p, w.off)
	w.off += int64(n)

	return n, err
}
