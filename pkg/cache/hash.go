package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	"github.com/spf13/afero"

	"github.com/chemflow/chemflow/pkg/errors"
)

const hashChunkSize = 4 * 1024 * 1024

var hashBufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, hashChunkSize)
		return &buf
	},
}

// SHA256File computes the checksum of a file in 4MiB chunks.
func SHA256File(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.CacheBackendFailure("hash", err).WithContext("path", path)
	}
	defer f.Close()

	digest, err := SHA256Reader(f)
	if err != nil {
		return "", errors.CacheBackendFailure("hash", err).WithContext("path", path)
	}
	return digest, nil
}

// SHA256Reader computes the checksum of everything readable from r.
func SHA256Reader(r io.Reader) (string, error) {
	bufp := hashBufPool.Get().(*[]byte)
	defer hashBufPool.Put(bufp)

	h := sha256.New()
	if _, err := io.CopyBuffer(h, r, *bufp); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
