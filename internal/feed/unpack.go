package feed

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Datatypes understood by Unpack.
const (
	DatatypeSigs    = "sigs"
	DatatypeArchive = "archive"
)

// File is one rules file of a feed; Category is the file's base name.
type File struct {
	Category string
	Filename string
	Data     []byte
}

// Unpack splits a retrieved payload into rules files. A plain payload becomes a
// single file in defaultCategory; gzip compressed plain payloads are accepted.
// Decompressed content is capped at maxBytes in total (DefaultMaxBytes when
// maxBytes <= 0).
func Unpack(data []byte, datatype, defaultCategory string, maxBytes int64) ([]File, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	switch datatype {
	case DatatypeSigs, "":
		if isGzip(data) {
			zr, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("open gzip: %w", err)
			}
			defer zr.Close()
			plain, err := readLimited(zr, maxBytes)
			if err != nil {
				return nil, fmt.Errorf("read gzip: %w", err)
			}
			data = plain
		}
		if int64(len(data)) > maxBytes {
			return nil, fmt.Errorf("payload exceeds %d bytes", maxBytes)
		}
		return []File{{Category: defaultCategory, Filename: defaultCategory + ".rules", Data: data}}, nil
	case DatatypeArchive:
		return unpackArchive(data, maxBytes)
	default:
		return nil, fmt.Errorf("unsupported datatype %q", datatype)
	}
}

func unpackArchive(data []byte, maxBytes int64) ([]File, error) {
	var r io.Reader = bytes.NewReader(data)
	if isGzip(data) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	var files []File
	remaining := maxBytes
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !strings.HasSuffix(hdr.Name, ".rules") {
			continue
		}
		body, err := readLimited(tr, remaining)
		if err != nil {
			return nil, fmt.Errorf("read %s: archive exceeds %d bytes unpacked", hdr.Name, maxBytes)
		}
		remaining -= int64(len(body))
		base := path.Base(hdr.Name)
		files = append(files, File{
			Category: strings.TrimSuffix(base, ".rules"),
			Filename: base,
			Data:     body,
		})
	}
	if len(files) == 0 {
		return nil, errors.New("archive contains no .rules files")
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Category < files[j].Category })
	return files, nil
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}
