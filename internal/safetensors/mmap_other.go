//go:build !unix

package safetensors

import (
	"errors"
	"os"
)

var errNoMmap = errors.New("safetensors: mmap not supported")

// mmap always fails here so reads go through ReadAt.
func mmap(_ *os.File, _ int) ([]byte, error) {
	return nil, errNoMmap
}

func munmap(_ []byte) error {
	return nil
}
