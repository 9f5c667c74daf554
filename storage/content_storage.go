package storage

import (
	"fmt"

	"github.com/holiman/uint256"
)

var ErrContentNotFound = fmt.Errorf("content not found")

// ErrInsufficientRadius is returned when an offered item falls farther from
// the local node than the currently advertised data radius, so the store
// refuses admission outright rather than accepting and immediately evicting it.
var ErrInsufficientRadius = fmt.Errorf("content outside node radius")

// MaxDistance is the radius a fresh store starts at: every content id is
// within range until capacity pressure shrinks it.
var MaxDistance = func() *uint256.Int {
	max := new(uint256.Int)
	return max.Not(max)
}()

// ContentStorage is the persistence boundary a sub-protocol engine drives:
// a radius-bounded key-value store keyed by content-id, with the content
// key carried alongside for verifier/type dispatch.
type ContentStorage interface {
	Get(contentKey []byte, contentId []byte) ([]byte, error)

	Put(contentKey []byte, contentId []byte, content []byte) error

	// Radius reports the largest XOR-distance from the local node id that
	// the store currently admits content for.
	Radius() *uint256.Int
}
