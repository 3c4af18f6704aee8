package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func moeConfig() *ModelConfig {
	c := NewDogeConfig()
	c.Hidden = 2
	c.NumAttentionHeads = 1
	c.DynamicValue = false
	c.SharedExpertIntermediateSize = 2
	c.PrivateExpertIntermediateSize = 2
	c.NumCDMoMEExperts = 4
	c.NumCDMoMEHeads = 1
	c.NumCDMoMEExpertsPerHead = 1
	return c
}

func TestCDMoMERouteProductKeys(t *testing.T) {
	m, err := NewCDMoME(moeConfig())
	require.NoError(t, err)
	require.Equal(t, 2, m.NumProductKeys)

	// keys [head, key, side, half]
	copy(m.Keys.Data, []float32{
		1, -1, // key 0: side 0, side 1
		-1, 1, // key 1: side 0, side 1
	})

	routes := m.route([]float32{1, 1})
	require.Len(t, routes, 1)
	// side 0 prefers key 0, side 1 prefers key 1: expert 0*2 + 1
	assert.Equal(t, []int{1}, routes[0].Indices)
	assert.Equal(t, []float32{2}, routes[0].Scores)

	routes = m.route([]float32{-1, -1})
	assert.Equal(t, []int{2}, routes[0].Indices)
}

func TestCDMoMERouteNaNQuery(t *testing.T) {
	c := moeConfig()
	c.NumCDMoMEExpertsPerHead = 2
	m, err := NewCDMoME(c)
	require.NoError(t, err)
	copy(m.Keys.Data, []float32{1, -1, -1, 1})

	routes := m.route([]float32{float32(math.NaN()), 1})
	require.Len(t, routes, 1)
	assert.Len(t, routes[0].Indices, 2)
	assert.Len(t, routes[0].Scores, 2)
	for _, e := range routes[0].Indices {
		assert.GreaterOrEqual(t, e, 0)
		assert.Less(t, e, m.NumExperts)
	}
}

func TestCDMoMEForward(t *testing.T) {
	c := moeConfig()
	c.NumCDMoMEExpertsPerHead = 2
	m, err := NewCDMoME(c)
	require.NoError(t, err)

	copy(m.SharedUp.Data, []float32{1, 0, 0, 1})
	copy(m.SharedDown.Data, []float32{1, 0, 0, 1})
	copy(m.Queries.Data, []float32{1, 0, 0, 1})
	copy(m.Keys.Data, []float32{1, 1, 0, 0})
	for i := range m.UpEmbed.Data {
		m.UpEmbed.Data[i] = 1
	}
	copy(m.DownEmbed.Data, []float32{
		1, 0,
		0, 1,
		2, 0,
		0, 2,
	})

	x := FromData([]float32{1, 2}, 1, 1, 2)
	h := m.shared(x)
	routes := m.Route(x)
	require.Len(t, routes, 1)

	want := make([]float32, 2)
	weights := make([]float32, 2)
	SoftmaxInPlace(weights, routes[0][0].Scores)
	for i, e := range routes[0][0].Indices {
		w := m.Act(Dot(h.Data, m.UpEmbed.Row(e))) * weights[i]
		for d := range want {
			want[d] += w * m.DownEmbed.Row(e)[d]
		}
	}

	got := m.Forward(x)
	require.Equal(t, []int{1, 1, 2}, got.Shape)
	assertClose(t, want, got.Data, 1e-6)
	assert.NotEqual(t, []float32{0, 0}, got.Data)
}

func TestGateMLP(t *testing.T) {
	c := moeConfig()
	c.NumCDMoMEExperts = 0
	c.HiddenAct = "relu"
	mlp, err := NewGateMLP(c)
	require.NoError(t, err)

	copy(mlp.GateProj.Data, []float32{1, 0, 0, -1})
	copy(mlp.UpProj.Data, []float32{2, 0, 0, 2})
	copy(mlp.DownProj.Data, []float32{1, 1, 0, 1})

	got := mlp.Forward(FromData([]float32{3, 4}, 1, 2))
	// gate = relu(3, -4) = (3, 0), up = (6, 8), product = (18, 0)
	assert.Equal(t, []float32{18, 0}, got.Data)
}
