package utils

import (
	"errors"
	"os"
)

func EnsureDir(dir string) error {
	stat, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			err = os.MkdirAll(dir, 0755)
			if err != nil {
				return err
			}
		}
		return err
	}

	if !stat.IsDir() {
		return errors.New("node dir should be a dir")
	}
	return nil
}

// ReverseBytes returns a copy of b with its byte order reversed, used to
// convert between the little-endian layout the history accumulator stores
// total-difficulty values in and the big-endian layout uint256 expects.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
