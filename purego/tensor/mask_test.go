package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func maskedCols(mask *Tensor, b, h, i int) []int {
	var cols []int
	for j, v := range maskRow(mask, b, h, i) {
		if v == MaskMin {
			cols = append(cols, j)
		}
	}
	return cols
}

func TestBuildCausalMaskCausal(t *testing.T) {
	mask := BuildCausalMask(nil, nil, 1, 3, 4, []int{0, 1, 2})
	require.Equal(t, []int{1, 1, 3, 4}, mask.Shape)

	assert.Equal(t, []int{1, 2, 3}, maskedCols(mask, 0, 0, 0))
	assert.Equal(t, []int{2, 3}, maskedCols(mask, 0, 0, 1))
	assert.Equal(t, []int{3}, maskedCols(mask, 0, 0, 2))
}

func TestBuildCausalMaskPadding(t *testing.T) {
	attn := [][]float32{{0, 1, 1}, {1, 1, 1}}
	mask := BuildCausalMask(attn, nil, 2, 3, 3, []int{0, 1, 2})

	assert.Equal(t, []int{0}, maskedCols(mask, 0, 0, 2), "left pad is hidden")
	assert.Empty(t, maskedCols(mask, 1, 0, 2))
}

func TestBuildCausalMaskDynamic(t *testing.T) {
	dyn := FromData([]float32{
		1, 0, 1, 1,
		1, 1, 0.5, 1,
	}, 2, 4)
	mask := BuildCausalMask(nil, dyn, 1, 1, 6, []int{5})
	require.Equal(t, []int{1, 2, 1, 6}, mask.Shape)

	assert.Equal(t, []int{1}, maskedCols(mask, 0, 0, 0), "an exact zero hides the column")
	assert.Empty(t, maskedCols(mask, 0, 1, 0), "nonzero weights only gate")
}

func TestBuildCausalMaskColumnsPastAttentionMask(t *testing.T) {
	// the mask covers two columns; the third follows the causal rule alone
	mask := BuildCausalMask([][]float32{{0, 1}}, nil, 1, 1, 3, []int{2})
	assert.Equal(t, []int{0}, maskedCols(mask, 0, 0, 0))
}
