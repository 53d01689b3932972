// Package jsp (JSON persistence) saves and loads the small JSON-encoded
// state snapshots owned by the alias manager and the ILM driver: a
// write-to-tmp-then-rename durability pattern behind a signature + version
// header, with an optional zstd-compressed payload. A foreign, truncated,
// or future-versioned file is rejected at load instead of being
// half-decoded.
package jsp

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/NVIDIA/prism/internal/cmn"
	"github.com/NVIDIA/prism/internal/cos"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// signature stamps every persisted file; its length is part of the
	// on-disk format and must never change.
	signature = "prismjsp"
	// version is bumped on any incompatible layout change.
	version = 1

	flagCompressed = 1 << 0

	hdrLen = len(signature) + 2 // signature + version byte + flags byte
)

// Options controls how a value is encoded on disk.
type Options struct {
	Compress bool
}

// Opts is implemented by any type that knows its own persistence options.
type Opts interface {
	JspOpts() Options
}

// SaveMeta persists v using its own declared Options.
func SaveMeta(path string, meta Opts) error {
	return Save(path, meta, meta.JspOpts())
}

// Save encodes v as JSON (optionally zstd-compressed), prefixes the
// signature + version header, and atomically replaces path.
func Save(path string, v interface{}, opts Options) (err error) {
	tmp := path + ".tmp." + cos.GenTie()
	file, err := cos.CreateFile(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rmErr := cos.RemoveFile(tmp); rmErr != nil {
				log.Error().Err(rmErr).Str("path", tmp).Msg("failed to remove tmp file")
			}
		}
	}()

	raw := cos.MustMarshal(v)
	var flags byte
	if opts.Compress {
		raw, err = compress(raw)
		if err != nil {
			cos.Close(file)
			return err
		}
		flags |= flagCompressed
	}
	hdr := make([]byte, 0, hdrLen)
	hdr = append(hdr, signature...)
	hdr = append(hdr, version, flags)
	if _, err = file.Write(hdr); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to write header")
		cos.Close(file)
		return err
	}
	if _, err = file.Write(raw); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to encode")
		cos.Close(file)
		return err
	}
	if err = cos.FlushClose(file); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("failed to flush and close")
		return err
	}
	return os.Rename(tmp, path)
}

// LoadMeta loads into meta using its own declared Options.
func LoadMeta(path string, meta Opts) error {
	return Load(path, meta, meta.JspOpts())
}

// Load verifies path's header and decodes its payload into v. The header's
// compression flag is authoritative; opts only matter for Save.
func Load(path string, v interface{}, _ Options) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(raw) < hdrLen {
		return cmn.NewStorageError("jsp: truncated header in "+path, nil)
	}
	if string(raw[:len(signature)]) != signature {
		return cmn.NewStorageError("jsp: bad signature in "+path, nil)
	}
	ver, flags := raw[len(signature)], raw[len(signature)+1]
	if ver != version {
		return cmn.NewStorageError(fmt.Sprintf("jsp: unsupported version %d in %s", ver, path), nil)
	}
	payload := raw[hdrLen:]
	if flags&flagCompressed != 0 {
		payload, err = decompress(payload)
		if err != nil {
			return cmn.NewStorageError("jsp: decompress "+path, err)
		}
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return cmn.NewStorageError("jsp: decode "+path, err)
	}
	return nil
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(raw []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
