package mqar

import (
	"fmt"
	"math"

	"doge-go/purego/tensor"
)

// SSD is a Mamba2 style selective state space mixer. Each head keeps a
// [head_dim, state] matrix updated as
//
//	S_t = exp(dt_t·A)·S_{t-1} + dt_t·x_t ⊗ B_t
//	y_t = S_t·C_t + D·x_t
//
// and the sequence is processed in chunks so that the recurrence only
// runs across chunk boundaries.
type SSD struct {
	DModel   int
	NumHeads int
	StateDim int
	Groups   int
	ChunkLen int

	ALog           *tensor.Tensor // [heads]
	BProj, BBias   *tensor.Tensor
	CProj, CBias   *tensor.Tensor
	DtProj, DtBias *tensor.Tensor
	D              *tensor.Tensor // [heads]
	OutProj, OutB  *tensor.Tensor
}

type ssdKwargs struct {
	NumHeads  int `mapstructure:"n_heads"`
	StateDim  int `mapstructure:"d_ssm_state"`
	NumGroups int `mapstructure:"n_groups"`
	ChunkLen  int `mapstructure:"chunk_len"`
}

func newSSDMixer(dModel int, kwargs map[string]any) (Mixer, error) {
	args := ssdKwargs{NumHeads: 1, StateDim: 64, NumGroups: 1, ChunkLen: 256}
	if err := decodeKwargs(kwargs, &args); err != nil {
		return nil, err
	}
	if _, err := headDim(dModel, args.NumHeads); err != nil {
		return nil, err
	}
	switch {
	case args.StateDim <= 0:
		return nil, fmt.Errorf("d_ssm_state must be positive, got %d", args.StateDim)
	case args.NumGroups <= 0 || args.NumHeads%args.NumGroups != 0:
		return nil, fmt.Errorf("n_heads %d is not divisible by %d groups", args.NumHeads, args.NumGroups)
	case args.ChunkLen <= 0:
		return nil, fmt.Errorf("chunk_len must be positive, got %d", args.ChunkLen)
	}
	return &SSD{
		DModel:   dModel,
		NumHeads: args.NumHeads,
		StateDim: args.StateDim,
		Groups:   args.NumGroups,
		ChunkLen: args.ChunkLen,
	}, nil
}

// Params lists A_log, the B, C and dt projections, D and the output
// projection
func (m *SSD) Params(prefix string) []tensor.Param {
	d, gn := m.DModel, m.Groups*m.StateDim
	params := []tensor.Param{{
		Name:   prefix + ".A_log",
		Target: &m.ALog,
		Shape:  []int{m.NumHeads},
		Init:   tensor.InitCustom,
		Fill: func(t *tensor.Tensor) {
			for i := range t.Data {
				t.Data[i] = float32(math.Log(float64(i + 1)))
			}
		},
	}}
	params = append(params, tensor.LinearParams(prefix+".B_proj", &m.BProj, &m.BBias, gn, d, true)...)
	params = append(params, tensor.LinearParams(prefix+".C_proj", &m.CProj, &m.CBias, gn, d, true)...)
	params = append(params, tensor.LinearParams(prefix+".dt_proj", &m.DtProj, &m.DtBias, m.NumHeads, d, true)...)
	params = append(params, tensor.Param{Name: prefix + ".D", Target: &m.D, Shape: []int{m.NumHeads}, Init: tensor.InitOnes})
	params = append(params, tensor.LinearParams(prefix+".out_proj", &m.OutProj, &m.OutB, d, d, true)...)
	return params
}

// Forward applies the scan to x [batch, seq, d_model]
func (m *SSD) Forward(x *tensor.Tensor) *tensor.Tensor {
	b := tensor.Linear(x, m.BProj, m.BBias)
	c := tensor.Linear(x, m.CProj, m.CBias)
	dt := tensor.Softplus(tensor.Linear(x, m.DtProj, m.DtBias))
	return tensor.Linear(m.Scan(x, dt, b, c), m.OutProj, m.OutB)
}

// Scan runs the chunked recurrence. x is [batch, seq, heads*head_dim], dt is
// [batch, seq, heads] after softplus and b, c are [batch, seq, groups*state].
// Head h reads group h mod groups.
func (m *SSD) Scan(x, dt, b, c *tensor.Tensor) *tensor.Tensor {
	batch, seqLen := x.Shape[0], x.Shape[1]
	heads, n := m.NumHeads, m.StateDim
	p := m.DModel / heads
	gn := m.Groups * n

	a := make([]float64, heads)
	for h := range heads {
		a[h] = -math.Exp(float64(m.ALog.Data[h]))
	}

	out := tensor.NewTensor(x.Shape...)

	tensor.Parallel(batch*heads, func(task int) {
		bi, h := task/heads, task%heads
		grp := h % m.Groups
		at := func(t *tensor.Tensor, width, s, off int) []float32 {
			start := (bi*seqLen+s)*width + off
			return t.Data[start : start+n]
		}
		xAt := func(s int) []float32 {
			start := (bi*seqLen+s)*m.DModel + h*p
			return x.Data[start : start+p]
		}
		dtAt := func(s int) float64 {
			return float64(dt.Data[(bi*seqLen+s)*heads+h])
		}

		state := make([]float64, p*n)
		acum := make([]float64, m.ChunkLen)
		d := float64(m.D.Data[h])

		for start := 0; start < seqLen; start += m.ChunkLen {
			l := min(m.ChunkLen, seqLen-start)

			sum := 0.0
			for i := range l {
				sum += dtAt(start+i) * a[h]
				acum[i] = sum
			}

			for i := range l {
				s := start + i
				ci := at(c, gn, s, grp*n)
				xi := xAt(s)
				yi := out.Data[(bi*seqLen+s)*m.DModel+h*p:][:p]

				// carried state
				decay := math.Exp(acum[i])
				for pp := range p {
					row := state[pp*n : (pp+1)*n]
					v := 0.0
					for k := range n {
						v += row[k] * float64(ci[k])
					}
					yi[pp] = float32(decay*v + d*float64(xi[pp]))
				}

				// within the chunk
				for j := 0; j <= i; j++ {
					bj := at(b, gn, start+j, grp*n)
					cb := 0.0
					for k := range n {
						cb += float64(ci[k]) * float64(bj[k])
					}
					w := math.Exp(acum[i]-acum[j]) * cb * dtAt(start+j)
					xj := xAt(start + j)
					for pp := range p {
						yi[pp] += float32(w * float64(xj[pp]))
					}
				}
			}

			// carry to the next chunk
			total := acum[l-1]
			decay := math.Exp(total)
			for i := range state {
				state[i] *= decay
			}
			for j := range l {
				bj := at(b, gn, start+j, grp*n)
				xj := xAt(start + j)
				w := math.Exp(total-acum[j]) * dtAt(start+j)
				for pp := range p {
					row := state[pp*n : (pp+1)*n]
					xw := w * float64(xj[pp])
					for k := range n {
						row[k] += xw * float64(bj[k])
					}
				}
			}
		}
	})
	return out
}
