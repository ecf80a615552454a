//go:build !amd64

package compile

func dot(x, y []float64) float64 {
	var sum float64
	for i, v := range x {
		sum += v * y[i]
	}

	return sum
}
