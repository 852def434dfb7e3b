package entities

import "fmt"

// OrderKey packs a block height (high 32 bits) and the in-block transaction index
// (low 32 bits) into one integer. Numeric order of keys equals canonical chain order.
type OrderKey uint64

const indexBits = 32

func NewOrderKey(height, index uint32) OrderKey {
	return OrderKey(uint64(height)<<indexBits | uint64(index))
}

func (k OrderKey) Height() uint32 {
	return uint32(k >> indexBits)
}

func (k OrderKey) Index() uint32 {
	return uint32(k)
}

// HeightSpan converts a number of blocks into key units.
func HeightSpan(blocks uint32) uint64 {
	return uint64(blocks) << indexBits
}

// Below reports whether other lies at least span key units below k.
func (k OrderKey) Below(other OrderKey, span uint64) bool {
	return k >= other && uint64(k-other) >= span
}

func (k OrderKey) String() string {
	return fmt.Sprintf("%d:%d", k.Height(), k.Index())
}
