// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package burner

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cardforge/cardforge/models"
	"github.com/klauspost/compress/gzip"
)

// Opener returns a fresh stream of the image from its first byte. It is
// called once for the pre-scan, once for the write and never concurrently.
type Opener func() (io.ReadCloser, error)

var gzipMagic = []byte{0x1f, 0x8b}

// readCloser pairs a decoding reader with the closers beneath it.
type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var err error
	for _, c := range r.closers {
		if e := c.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Decode wraps rc with a gzip decoder when the stream starts with the gzip
// magic bytes or name ends in .gz. Other streams are returned as raw.
func Decode(rc io.ReadCloser, name string) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(rc, 64<<10)
	magic, err := br.Peek(len(gzipMagic))
	if err != nil && err != io.EOF {
		rc.Close()
		return nil, fmt.Errorf("reading header of %q: %w", name, err)
	}
	isGzip := len(magic) == len(gzipMagic) && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1]
	if !isGzip && !strings.HasSuffix(strings.ToLower(name), ".gz") {
		return &readCloser{Reader: br, closers: []io.Closer{rc}}, nil
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("gzip.NewReader(%q) returned %w", name, err)
	}
	return &readCloser{Reader: zr, closers: []io.Closer{zr, rc}}, nil
}

// FileSource returns an Opener for the image at path.
func FileSource(path string) Opener {
	return func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, models.Validationf("opening image: %w", err)
		}
		return Decode(f, path)
	}
}

// Prescan reads the whole image once, decompressing it if needed, and
// returns its final length. Nothing is buffered beyond a single read.
func Prescan(open Opener) (uint64, error) {
	r, err := open()
	if err != nil {
		return 0, models.Validationf("opening image: %w", err)
	}
	defer r.Close()
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return 0, models.Validationf("image is unreadable after %d bytes: %w", n, err)
	}
	return uint64(n), nil
}
