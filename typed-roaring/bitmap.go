// Package typedRoaring wraps github.com/RoaringBitmap/roaring's
// Bitmap with a generic type parameter, so callers can use a named
// integer type (pieceIndex, RequestIndex, ...) as the element type
// instead of bare uint32 throughout.
package typedRoaring

import "github.com/RoaringBitmap/roaring"

// Bitmap is a set of T, T being any type whose underlying representation
// is uint32.
type Bitmap[T ~int | ~int32 | ~uint32] struct {
	rb roaring.Bitmap
}

func (b *Bitmap[T]) Contains(v T) bool {
	return b.rb.Contains(uint32(v))
}

func (b *Bitmap[T]) Add(v T) {
	b.rb.Add(uint32(v))
}

func (b *Bitmap[T]) CheckedAdd(v T) bool {
	return b.rb.CheckedAdd(uint32(v))
}

func (b *Bitmap[T]) Remove(v T) {
	b.rb.Remove(uint32(v))
}

func (b *Bitmap[T]) CheckedRemove(v T) bool {
	return b.rb.CheckedRemove(uint32(v))
}

func (b *Bitmap[T]) IsEmpty() bool {
	return b.rb.IsEmpty()
}

func (b *Bitmap[T]) GetCardinality() uint64 {
	return b.rb.GetCardinality()
}

func (b *Bitmap[T]) Clear() {
	b.rb.Clear()
}

// Iterate calls f for every member in ascending order, stopping early if
// f returns false.
func (b *Bitmap[T]) Iterate(f func(T) bool) {
	it := b.rb.Iterator()
	for it.HasNext() {
		if !f(T(it.Next())) {
			return
		}
	}
}

func (b *Bitmap[T]) ToArray() []T {
	raw := b.rb.ToArray()
	out := make([]T, len(raw))
	for i, v := range raw {
		out[i] = T(v)
	}
	return out
}
