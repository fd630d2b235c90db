package rop

// ObjTable is a reference-counted bidirectional map between arbitrary
// comparable Go values and small dense integer indices, built on top
// of a Table of reference counts. Reg on a value already present bumps
// its count and hands back its existing index; Dereg decrements, and on
// reaching zero removes the value from both directions and frees the
// index for reuse.
type ObjTable[T comparable] struct {
	counts  *Table[int]
	forward map[T]int
	reverse map[int]T
}

// NewObjTable returns an empty ObjTable.
func NewObjTable[T comparable]() *ObjTable[T] {
	return &ObjTable[T]{
		counts:  NewTable[int](),
		forward: make(map[T]int),
		reverse: make(map[int]T),
	}
}

// Reg registers v, returning the index it is (or becomes) known by. A
// repeated Reg of the same value increments its refcount rather than
// allocating a second index.
func (o *ObjTable[T]) Reg(v T) int {
	if i, ok := o.forward[v]; ok {
		c, _ := o.counts.Get(i)
		o.counts.Set(i, c+1)
		return i
	}
	i := o.counts.Alloc(1)
	o.forward[v] = i
	o.reverse[i] = v
	return i
}

// Dereg decrements the refcount at index i, removing it from both maps
// and freeing the index once the count reaches zero. Dereg on an index
// that isn't currently registered is a no-op.
func (o *ObjTable[T]) Dereg(i int) {
	c, ok := o.counts.Get(i)
	if !ok {
		return
	}
	c--
	if c <= 0 {
		v := o.reverse[i]
		delete(o.forward, v)
		delete(o.reverse, i)
		o.counts.Free(i)
		return
	}
	o.counts.Set(i, c)
}

// Lookup returns the value registered at index i, if any.
func (o *ObjTable[T]) Lookup(i int) (T, bool) {
	v, ok := o.reverse[i]
	return v, ok
}

// IndexOf returns the index v is registered under, if it has been
// registered at all. It does not affect the refcount.
func (o *ObjTable[T]) IndexOf(v T) (int, bool) {
	i, ok := o.forward[v]
	return i, ok
}

// Size reports the number of distinct registered values.
func (o *ObjTable[T]) Size() int {
	return o.counts.Size()
}
