package tensor

import "fmt"

// CDMoME is the cross domain mixture of million experts feed-forward layer.
//
// A shared projection maps each token into a private expert space. Each
// retrieval head then splits its query in two halves, scores both halves
// against its own key tables, and combines the best keys of each half into
// a product-key candidate set. The top candidates name rows of the up and
// down expert embeddings.
type CDMoME struct {
	Hidden         int
	SharedDim      int
	PrivateDim     int
	NumExperts     int
	NumHeads       int
	ExpertsPerHead int
	NumProductKeys int
	Act            Activation

	SharedUp       *Tensor // [shared, hidden]
	SharedUpBias   *Tensor
	SharedDown     *Tensor // [private, shared]
	SharedDownBias *Tensor
	Queries        *Tensor // [private*heads, private]
	Keys           *Tensor // [heads, num_keys, 2, private/2]
	UpEmbed        *Tensor // [experts, private]
	DownEmbed      *Tensor // [experts, hidden]
}

// ExpertRoute lists the experts one token selected for one head
type ExpertRoute struct {
	Indices []int
	Scores  []float32
}

// NewCDMoME allocates zeroed expert weights for a config
func NewCDMoME(config *ModelConfig) (*CDMoME, error) {
	act, err := ActivationFn(config.HiddenAct)
	if err != nil {
		return nil, err
	}
	m := &CDMoME{
		Hidden:         config.Hidden,
		SharedDim:      config.SharedExpertIntermediateSize,
		PrivateDim:     config.PrivateExpertIntermediateSize,
		NumExperts:     config.NumCDMoMEExperts,
		NumHeads:       config.NumCDMoMEHeads,
		ExpertsPerHead: config.NumCDMoMEExpertsPerHead,
		NumProductKeys: config.NumProductKeys(),
		Act:            act,
	}
	m.SharedUp = NewTensor(m.SharedDim, m.Hidden)
	m.SharedDown = NewTensor(m.PrivateDim, m.SharedDim)
	if config.HiddenBias {
		m.SharedUpBias = NewTensor(m.SharedDim)
		m.SharedDownBias = NewTensor(m.PrivateDim)
	}
	m.Queries = NewTensor(m.PrivateDim*m.NumHeads, m.PrivateDim)
	m.Keys = NewTensor(m.NumHeads, m.NumProductKeys, 2, m.PrivateDim/2)
	m.UpEmbed = NewTensor(m.NumExperts, m.PrivateDim)
	m.DownEmbed = NewTensor(m.NumExperts, m.Hidden)
	return m, nil
}

// shared maps x [..., hidden] into the private expert space [..., private]
func (m *CDMoME) shared(x *Tensor) *Tensor {
	h := Apply(Linear(x, m.SharedUp, m.SharedUpBias), m.Act)
	return Linear(h, m.SharedDown, m.SharedDownBias)
}

// route selects experts for one token from its query row
func (m *CDMoME) route(q []float32) []ExpertRoute {
	half := m.PrivateDim / 2
	k := m.ExpertsPerHead
	n := m.NumProductKeys

	routes := make([]ExpertRoute, m.NumHeads)
	sim := make([]float32, n)
	candScores := make([]float32, k*k)
	candIndices := make([]int, k*k)
	for head := 0; head < m.NumHeads; head++ {
		var sideScores [2][]float32
		var sideIndices [2][]int
		for p := 0; p < 2; p++ {
			qOff := (p*m.NumHeads + head) * half
			qp := q[qOff : qOff+half]
			for key := 0; key < n; key++ {
				kOff := ((head*n+key)*2 + p) * half
				sim[key] = Dot(qp, m.Keys.Data[kOff:kOff+half])
			}
			sideScores[p], sideIndices[p] = TopK(sim, k)
		}

		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				candScores[i*k+j] = sideScores[0][i] + sideScores[1][j]
				candIndices[i*k+j] = sideIndices[0][i]*n + sideIndices[1][j]
			}
		}
		scores, picks := TopK(candScores, k)
		indices := make([]int, k)
		for i, p := range picks {
			indices[i] = candIndices[p]
		}
		routes[head] = ExpertRoute{Indices: indices, Scores: scores}
	}
	return routes
}

// Route returns the selected experts per token and head for x [batch, seq, hidden]
func (m *CDMoME) Route(x *Tensor) [][]ExpertRoute {
	q := Linear(m.shared(x), m.Queries, nil)
	routes := make([][]ExpertRoute, q.Rows())
	for r := range routes {
		routes[r] = m.route(q.Row(r))
	}
	return routes
}

// Forward applies the expert layer to x [..., hidden]
func (m *CDMoME) Forward(x *Tensor) *Tensor {
	if x.Shape[len(x.Shape)-1] != m.Hidden {
		panic(fmt.Sprintf("CDMoME expects hidden %d, got shape %v", m.Hidden, x.Shape))
	}
	h := m.shared(x)
	q := Linear(h, m.Queries, nil)

	outShape := append([]int(nil), x.Shape...)
	output := NewTensor(outShape...)

	Parallel(x.Rows(), func(r int) {
		hr := h.Row(r)
		out := output.Row(r)
		for _, route := range m.route(q.Row(r)) {
			weights := make([]float32, len(route.Scores))
			SoftmaxInPlace(weights, route.Scores)
			for i, e := range route.Indices {
				up := m.UpEmbed.Data[e*m.PrivateDim : (e+1)*m.PrivateDim]
				w := m.Act(Dot(hr, up)) * weights[i]
				down := m.DownEmbed.Data[e*m.Hidden : (e+1)*m.Hidden]
				for d := range out {
					out[d] += w * down[d]
				}
			}
		}
	})

	return output
}
