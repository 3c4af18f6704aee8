package tensor

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertClose(t *testing.T, want, got []float32, tol float64) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, tol)); diff != "" {
		t.Errorf("values differ (-want +got):\n%s", diff)
	}
}

func TestLinear(t *testing.T) {
	x := FromData([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	w := FromData([]float32{1, 0, 0, 0, 1, 1}, 2, 3)
	b := FromData([]float32{10, 20}, 2)

	got := Linear(x, w, b)
	require.Equal(t, []int{1, 2, 2}, got.Shape)
	assertClose(t, []float32{11, 25, 14, 31}, got.Data, 1e-6)

	noBias := Linear(x, w, nil)
	assertClose(t, []float32{1, 5, 4, 11}, noBias.Data, 1e-6)
}

func TestMatMul(t *testing.T) {
	a := FromData([]float32{1, 2, 3, 4}, 2, 2)
	b := FromData([]float32{5, 6, 7, 8}, 2, 2)
	assertClose(t, []float32{19, 22, 43, 50}, MatMul(a, b).Data, 1e-6)

	assert.Panics(t, func() { MatMul(a, FromData([]float32{1, 2, 3}, 3, 1)) })
}

func TestSoftmax(t *testing.T) {
	x := FromData([]float32{0, 0, float32(math.Log(2)), 1, 1, 1}, 2, 3)
	got := Softmax(x)
	assertClose(t, []float32{0.25, 0.25, 0.5, 1.0 / 3, 1.0 / 3, 1.0 / 3}, got.Data, 1e-6)

	inf := float32(math.Inf(-1))
	masked := FromData([]float32{inf, inf}, 1, 2)
	assert.Equal(t, []float32{0, 0}, Softmax(masked).Data)
}

func TestTopK(t *testing.T) {
	vals, idx := TopK([]float32{0.1, 0.9, 0.5, 0.9}, 3)
	assert.Equal(t, []float32{0.9, 0.9, 0.5}, vals)
	assert.Equal(t, []int{1, 3, 2}, idx)

	_, idx = TopK([]float32{0, 0, 0, 0}, 2)
	assert.Equal(t, []int{0, 1}, idx, "ties break to the lower index")

	assert.Panics(t, func() { TopK([]float32{1}, 2) })
	assert.Panics(t, func() { TopK([]float32{1}, 0) })

	nan := float32(math.NaN())
	vals, idx = TopK([]float32{nan, 0.2, nan, -3}, 4)
	assert.Equal(t, []int{1, 3, 0, 2}, idx, "NaN ranks last")
	assert.Equal(t, float32(0.2), vals[0])
	assert.True(t, math.IsNaN(float64(vals[3])))

	_, idx = TopK([]float32{nan, nan}, 2)
	assert.Equal(t, []int{0, 1}, idx)
}

func TestParallel(t *testing.T) {
	seen := make([]int, 100)
	Parallel(len(seen), func(i int) { seen[i]++ })
	for i, n := range seen {
		assert.Equal(t, 1, n, "task %d", i)
	}

	Parallel(0, func(int) { t.Fatal("no tasks expected") })

	assert.PanicsWithError(t, "parallel task 3: boom", func() {
		Parallel(8, func(i int) {
			if i == 3 {
				panic("boom")
			}
		})
	})
}

func TestActivationFn(t *testing.T) {
	tests := []struct {
		name string
		x    float32
		want float32
	}{
		{"silu", 1, 0.7310586},
		{"relu", -2, 0},
		{"sigmoid", 0, 0.5},
		{"tanh", 0, 0},
		{"gelu", 1, 0.8413447},
		{"gelu_pytorch_tanh", 1, 0.8411920},
		{"softplus", 0, float32(math.Log(2))},
		{"softplus", 30, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := ActivationFn(tt.name)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, fn(tt.x), 1e-5)
		})
	}

	_, err := ActivationFn("swishy")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRMSNorm(t *testing.T) {
	x := FromData([]float32{3, 4}, 1, 2)
	w := FromData([]float32{1, 2}, 2)
	// rms = sqrt((9 + 16) / 2)
	rms := float32(math.Sqrt(12.5))
	assertClose(t, []float32{3 / rms, 8 / rms}, RMSNorm(x, w, 0).Data, 1e-6)
}

func TestConcatenateAndNarrow(t *testing.T) {
	a := FromData([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	b := FromData([]float32{5, 6}, 1, 1, 1, 2)
	c := Concatenate(a, b, 2)
	require.Equal(t, []int{1, 1, 3, 2}, c.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, c.Data)

	n := NarrowSeq(c, 1, 3)
	assert.Equal(t, []int{1, 1, 2, 2}, n.Shape)
	assert.Equal(t, []float32{3, 4, 5, 6}, n.Data)
}
