package mqar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Sweep defaults
const (
	SweepVocabSize     = 8192
	SweepNumLayers     = 2
	SweepPowerA        = 0.01
	SweepTrainExamples = 100_000
	SweepTestExamples  = 1_000
	SweepSeed          = 123
	SweepMaxEpochs     = 64
)

// Run is one model/data combination of a sweep
type Run struct {
	RunID        string      `json:"run_id"`
	Mixer        string      `json:"mixer"`
	Model        ModelConfig `json:"model"`
	Train        MQARConfig  `json:"train"`
	Test         MQARConfig  `json:"test"`
	BatchSize    int         `json:"batch_size"`
	LearningRate float64     `json:"learning_rate"`
	MaxEpochs    int         `json:"max_epochs"`
	Seed         uint64      `json:"seed"`
}

// TestSeed seeds the test split. The train split uses Seed.
func (r Run) TestSeed() uint64 {
	return r.Seed + 1
}

// Sweep is a named set of runs
type Sweep struct {
	Name string `json:"sweep_name"`
	Runs []Run  `json:"runs"`
}

// RunID formats the identifier of a run
func RunID(mixer string, seqLen, dModel int, lr float64, kv int) string {
	return fmt.Sprintf("%s-seqlen%d-dmodel%d-lr%s-kv%d", mixer, seqLen, dModel, strconv.FormatFloat(lr, 'g', -1, 64), kv)
}

// BatchSizeFor picks the batch size of a sequence length
func BatchSizeFor(seqLen int) int {
	switch seqLen {
	case 8192:
		return 2
	case 4096:
		return 4
	case 2048:
		return 32
	case 1024:
		return 64
	case 512:
		return 128
	case 256:
		return 256
	}
	return 1
}

// SweepMixers holds the sequence mixers compared by DefaultSweep
var SweepMixers = map[string]MixerConfig{
	"attention": {
		Name:   "attention",
		Kwargs: map[string]any{"num_heads": 4},
	},
	"dynamic_attention": {
		Name:   "dynamic_attention",
		Kwargs: map[string]any{"num_heads": 4, "dynamic_value_num_heads": 2},
	},
}

// DefaultSweep crosses sequence lengths, model widths and mixers
func DefaultSweep() Sweep {
	sweep := Sweep{Name: "mqar" + uuid.New().String()[:6]}

	for _, data := range []struct{ seqLen, kv int }{
		{256, 8},
		{512, 32},
		{1024, 128},
		{2048, 512},
	} {
		split := func(n int) MQARConfig {
			return MQARConfig{
				VocabSize:   SweepVocabSize,
				InputSeqLen: data.seqLen,
				NumExamples: n,
				NumKVPairs:  data.kv,
				PowerA:      SweepPowerA,
			}
		}

		for _, width := range []struct {
			dModel int
			lr     float64
		}{
			{64, 4e-3},
			{128, 2e-3},
			{256, 1e-3},
			{512, 8e-4},
		} {
			for _, mixer := range []string{"attention", "dynamic_attention"} {
				sweep.Runs = append(sweep.Runs, Run{
					RunID: RunID(mixer, data.seqLen, width.dModel, width.lr, data.kv),
					Mixer: mixer,
					Model: ModelConfig{
						DModel:                width.dModel,
						NLayers:               SweepNumLayers,
						MaxPositionEmbeddings: data.seqLen,
						VocabSize:             SweepVocabSize,
						SequenceMixer:         SweepMixers[mixer],
					},
					Train:        split(SweepTrainExamples),
					Test:         split(SweepTestExamples),
					BatchSize:    BatchSizeFor(data.seqLen),
					LearningRate: width.lr,
					MaxEpochs:    SweepMaxEpochs,
					Seed:         SweepSeed,
				})
			}
		}
	}
	return sweep
}

// SweepOptions controls RunSweep
type SweepOptions struct {
	// CheckpointDir holds <run_id>.safetensors files; runs without one are
	// evaluated from a seeded init
	CheckpointDir string
	// CacheDir caches generated test splits; empty disables caching
	CacheDir string
	// Concurrency bounds the runs evaluated at once; 0 uses GOMAXPROCS
	Concurrency int
	// NumExamples overrides the test split size when positive
	NumExamples int
	Progress    bool
}

// Result is the outcome of one run
type Result struct {
	Run       Run     `json:"run"`
	Source    string  `json:"source"`
	NumParams int     `json:"num_params"`
	Metrics   Metrics `json:"metrics"`
}

// Result sources
const (
	SourceCheckpoint = "checkpoint"
	SourceInit       = "init"
)

// RunSweep evaluates every run on its test split. Results keep the order
// of runs; the first failure cancels the remaining runs.
func RunSweep(ctx context.Context, runs []Run, opts SweepOptions) ([]Result, error) {
	limit := opts.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	var (
		flight   singleflight.Group
		mu       sync.Mutex
		segments = make(map[string]*Segment)
	)
	testSplit := func(run Run) (*Segment, error) {
		key := CachePath("", run.Test, run.TestSeed())
		v, err, _ := flight.Do(key, func() (any, error) {
			mu.Lock()
			seg, ok := segments[key]
			mu.Unlock()
			if ok {
				return seg, nil
			}
			seg, err := LoadOrGenerate(opts.CacheDir, run.Test, run.TestSeed())
			if err != nil {
				return nil, err
			}
			mu.Lock()
			segments[key] = seg
			mu.Unlock()
			return seg, nil
		})
		if err != nil {
			return nil, err
		}
		return v.(*Segment), nil
	}

	results := make([]Result, len(runs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, run := range runs {
		g.Go(func() error {
			if opts.NumExamples > 0 {
				run.Test.NumExamples = opts.NumExamples
			}
			seg, err := testSplit(run)
			if err != nil {
				return fmt.Errorf("%s: %w", run.RunID, err)
			}

			model, source, err := loadRunModel(run, opts.CheckpointDir)
			if err != nil {
				return fmt.Errorf("%s: %w", run.RunID, err)
			}

			metrics, err := Evaluate(ctx, model, seg, run.BatchSize, opts.Progress && limit == 1)
			if err != nil {
				return fmt.Errorf("%s: %w", run.RunID, err)
			}
			results[i] = Result{Run: run, Source: source, NumParams: model.NumParams(), Metrics: metrics}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// CheckpointPath names the checkpoint of a run under dir
func CheckpointPath(dir, runID string) string {
	return filepath.Join(dir, runID+".safetensors")
}

func loadRunModel(run Run, dir string) (*LanguageModel, string, error) {
	if dir != "" {
		path := CheckpointPath(dir, run.RunID)
		_, err := os.Stat(path)
		switch {
		case err == nil:
			m, err := LoadModel(path, &run.Model)
			return m, SourceCheckpoint, err
		case !errors.Is(err, fs.ErrNotExist):
			return nil, "", err
		}
	}
	m, err := InitModel(run.Model, run.Seed)
	return m, SourceInit, err
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// WritePlan prints one row per run
func WritePlan(w io.Writer, sweep Sweep) {
	fmt.Fprintf(w, "sweep %s: %d runs\n\n", sweep.Name, len(sweep.Runs))
	table := newTable(w, []string{"RUN ID", "MIXER", "SEQ LEN", "KV", "D MODEL", "LR", "BATCH"})
	var data [][]string
	for _, r := range sweep.Runs {
		data = append(data, []string{
			r.RunID,
			r.Mixer,
			strconv.Itoa(r.Test.InputSeqLen),
			strconv.Itoa(r.Test.NumKVPairs),
			strconv.Itoa(r.Model.DModel),
			strconv.FormatFloat(r.LearningRate, 'g', -1, 64),
			strconv.Itoa(r.BatchSize),
		})
	}
	table.AppendBulk(data)
	table.Render()
}

// WriteReport prints one row per result
func WriteReport(w io.Writer, results []Result) {
	table := newTable(w, []string{"RUN ID", "SOURCE", "PARAMS", "ACCURACY", "LOSS", "TOKENS"})
	var data [][]string
	for _, r := range results {
		data = append(data, []string{
			r.Run.RunID,
			r.Source,
			strconv.Itoa(r.NumParams),
			fmt.Sprintf("%.4f", r.Metrics.Accuracy),
			fmt.Sprintf("%.4f", r.Metrics.Loss),
			strconv.Itoa(r.Metrics.NumTokens),
		})
	}
	table.AppendBulk(data)
	table.Render()
}
