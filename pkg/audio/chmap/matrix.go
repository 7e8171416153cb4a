// ABOUTME: Channel conversion matrix between two layouts of equal width
// ABOUTME: Routes each role of the input to the same role of the output
package chmap

import "github.com/Resonate-Protocol/resonated/pkg/audio"

// ConvMatrix builds an out.Channels x in.Channels routing matrix. It returns
// nil when the channel counts differ or a role used by in has no slot in out.
func ConvMatrix(in, out audio.Format) [][]float32 {
	if in.Channels != out.Channels || in.Channels <= 0 {
		return nil
	}

	mtx := make([][]float32, out.Channels)
	for i := range mtx {
		mtx[i] = make([]float32, in.Channels)
	}

	for ch := range in.Layout {
		src := in.Layout[ch]
		if src == -1 {
			continue
		}
		dst := out.Layout[ch]
		if dst == -1 || dst >= out.Channels || src >= in.Channels {
			return nil
		}
		mtx[dst][src] = 1
	}
	return mtx
}

// Apply converts frames of float planes through mtx
func Apply(mtx [][]float32, in [][]float32, out [][]float32, frames int) {
	for o := range mtx {
		for f := 0; f < frames; f++ {
			var sum float32
			for i, coef := range mtx[o] {
				if coef != 0 {
					sum += coef * in[i][f]
				}
			}
			out[o][f] = sum
		}
	}
}
