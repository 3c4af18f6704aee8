package tensor

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// InitWeights fills params in order from a seeded normal(0, std). Rows of
// InitEmbedding params at padIdx are zeroed; pass a negative padIdx to keep
// every row.
func InitWeights(params []Param, std float64, padIdx int, seed uint64) {
	normal := distuv.Normal{Mu: 0, Sigma: std, Src: rand.NewSource(seed)}
	for _, p := range params {
		t := NewTensor(p.Shape...)
		switch p.Init {
		case InitNormal, InitEmbedding:
			for i := range t.Data {
				t.Data[i] = float32(normal.Rand())
			}
			if p.Init == InitEmbedding && padIdx >= 0 && padIdx < p.Shape[0] {
				row := t.Size() / p.Shape[0]
				clear(t.Data[padIdx*row : (padIdx+1)*row])
			}
		case InitOnes:
			for i := range t.Data {
				t.Data[i] = 1
			}
		case InitCustom:
			p.Fill(t)
		case InitZeros:
		}
		*p.Target = t
	}
}

// InitWeights draws fresh weights for every parameter of the model
func (lm *DogeForCausalLM) InitWeights(seed uint64) {
	InitWeights(lm.Params(DogeWeightMapping()), lm.Config.InitializerRange, lm.Config.PadTokenID, seed)
	lm.TieWeights()
}

// InitWeights draws fresh weights for every parameter of the classifier
func (c *DogeForSequenceClassification) InitWeights(seed uint64) {
	InitWeights(c.Params(DogeWeightMapping()), c.Config.InitializerRange, c.Config.PadTokenID, seed)
}
