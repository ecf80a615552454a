//go:build amd64

package compile

import "github.com/ziutek/blas"

func dot(x, y []float64) float64 {
	return blas.Ddot(len(x), x, 1, y, 1)
}
