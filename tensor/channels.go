package tensor

import "fmt"

// ConcatChannels concatenates tensors along their last axis. All leading
// axes must match.
func ConcatChannels(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	if len(ts) == 1 {
		return ts[0].Clone(), nil
	}
	lead := ts[0].Shape[:len(ts[0].Shape)-1]
	rows := calculateNumElements(lead)
	total := 0
	for _, t := range ts {
		if len(t.Shape) != len(ts[0].Shape) {
			return nil, fmt.Errorf("rank mismatch: %v vs %v", t.Shape, ts[0].Shape)
		}
		for i := range lead {
			if t.Shape[i] != lead[i] {
				return nil, fmt.Errorf("shape mismatch on axis %d: %v vs %v", i, t.Shape, ts[0].Shape)
			}
		}
		total += t.Shape[len(t.Shape)-1]
	}

	shape := append(append([]int(nil), lead...), total)
	out := New(shape...)
	for r := 0; r < rows; r++ {
		off := r * total
		for _, t := range ts {
			c := t.Shape[len(t.Shape)-1]
			copy(out.Data[off:off+c], t.Data[r*c:(r+1)*c])
			off += c
		}
	}
	return out, nil
}

// SplitChannels is the inverse of ConcatChannels.
func SplitChannels(t *Tensor, sizes ...int) ([]*Tensor, error) {
	total := 0
	for _, s := range sizes {
		total += s
	}
	last := t.Shape[len(t.Shape)-1]
	if total != last {
		return nil, fmt.Errorf("split sizes %v do not add up to %d channels", sizes, last)
	}
	lead := t.Shape[:len(t.Shape)-1]
	rows := calculateNumElements(lead)
	outs := make([]*Tensor, len(sizes))
	for i, s := range sizes {
		outs[i] = New(append(append([]int(nil), lead...), s)...)
	}
	for r := 0; r < rows; r++ {
		off := r * last
		for i, s := range sizes {
			copy(outs[i].Data[r*s:(r+1)*s], t.Data[off:off+s])
			off += s
		}
	}
	return outs, nil
}

// Stack concatenates tensors along their leading axis.
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("nothing to stack")
	}
	inner := ts[0].Shape[1:]
	n := 0
	for _, t := range ts {
		if len(t.Shape) != len(ts[0].Shape) {
			return nil, fmt.Errorf("rank mismatch: %v vs %v", t.Shape, ts[0].Shape)
		}
		for i := range inner {
			if t.Shape[i+1] != inner[i] {
				return nil, fmt.Errorf("shape mismatch: %v vs %v", t.Shape, ts[0].Shape)
			}
		}
		n += t.Shape[0]
	}
	out := New(append([]int{n}, inner...)...)
	off := 0
	for _, t := range ts {
		copy(out.Data[off:], t.Data)
		off += len(t.Data)
	}
	return out, nil
}
