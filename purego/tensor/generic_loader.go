package tensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	configFile       = "config.json"
	weightsFile      = "model.safetensors"
	shardedIndexFile = "model.safetensors.index.json"
)

// ShardedModelIndex represents the index file for sharded models
type ShardedModelIndex struct {
	Metadata  map[string]interface{} `json:"metadata"`
	WeightMap map[string]string      `json:"weight_map"`
}

// WeightSet resolves tensors across one or more safetensors files
type WeightSet struct {
	files map[string]*SafetensorsFile // tensor name -> file holding it
}

// NewWeightSet indexes the tensors of files. A name present in two files
// resolves to the later one.
func NewWeightSet(files ...*SafetensorsFile) *WeightSet {
	ws := &WeightSet{files: make(map[string]*SafetensorsFile)}
	for _, f := range files {
		for name := range f.Tensors {
			ws.files[name] = f
		}
	}
	return ws
}

// Tensor decodes the named tensor
func (ws *WeightSet) Tensor(name string) (*Tensor, error) {
	f, ok := ws.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return f.Tensor(name)
}

// Info returns the header entry of the named tensor
func (ws *WeightSet) Info(name string) (TensorInfo, bool) {
	f, ok := ws.files[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[name], true
}

// Names returns every tensor name in sorted order
func (ws *WeightSet) Names() []string {
	names := make([]string, 0, len(ws.files))
	for name := range ws.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenWeights reads model.safetensors from dir, or every shard listed in
// model.safetensors.index.json. Shards are read concurrently.
func OpenWeights(dir string) (*WeightSet, error) {
	indexPath := filepath.Join(dir, shardedIndexFile)
	if _, err := os.Stat(indexPath); err != nil {
		f, err := ReadSafetensors(filepath.Join(dir, weightsFile))
		if err != nil {
			return nil, err
		}
		return NewWeightSet(f), nil
	}

	indexData, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}
	var index ShardedModelIndex
	if err := json.Unmarshal(indexData, &index); err != nil {
		return nil, fmt.Errorf("failed to parse index file: %w", err)
	}

	shardNames := make(map[string]bool)
	for _, shard := range index.WeightMap {
		shardNames[shard] = true
	}
	fmt.Printf("Loading %d tensors from %d shards...\n", len(index.WeightMap), len(shardNames))

	var (
		mu     sync.Mutex
		shards = make(map[string]*SafetensorsFile, len(shardNames))
		g      errgroup.Group
	)
	for shard := range shardNames {
		g.Go(func() error {
			f, err := ReadSafetensors(filepath.Join(dir, shard))
			if err != nil {
				return fmt.Errorf("failed to read shard %s: %w", shard, err)
			}
			mu.Lock()
			shards[shard] = f
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ws := &WeightSet{files: make(map[string]*SafetensorsFile, len(index.WeightMap))}
	for name, shard := range index.WeightMap {
		f := shards[shard]
		if _, ok := f.Tensors[name]; !ok {
			return nil, fmt.Errorf("%w: %s not in shard %s", ErrTensorNotFound, name, shard)
		}
		ws.files[name] = f
	}
	return ws, nil
}

// LoadModelFromDirectory reads config.json and the weights of a model directory
func LoadModelFromDirectory(dir string) (*ModelConfig, *WeightSet, error) {
	config, err := LoadModelConfig(filepath.Join(dir, configFile))
	if err != nil {
		return nil, nil, fmt.Errorf("no valid config found: %w", err)
	}
	weights, err := OpenWeights(dir)
	if err != nil {
		return nil, nil, err
	}
	return config, weights, nil
}

// LoadCausalLM loads a DogeForCausalLM from a model directory
func LoadCausalLM(dir string) (*DogeForCausalLM, error) {
	config, weights, err := LoadModelFromDirectory(dir)
	if err != nil {
		return nil, err
	}
	lm, err := NewDogeForCausalLM(config)
	if err != nil {
		return nil, err
	}
	params := lm.Params(DogeWeightMapping())
	if err := LoadParams(weights, params); err != nil {
		return nil, err
	}
	lm.TieWeights()
	logUnused(weights, params)

	fmt.Printf("✓ Model loaded successfully\n")
	return lm, nil
}

// LoadSequenceClassifier loads a DogeForSequenceClassification from a model directory
func LoadSequenceClassifier(dir string) (*DogeForSequenceClassification, error) {
	config, weights, err := LoadModelFromDirectory(dir)
	if err != nil {
		return nil, err
	}
	clf, err := NewDogeForSequenceClassification(config)
	if err != nil {
		return nil, err
	}
	params := clf.Params(DogeWeightMapping())
	if err := LoadParams(weights, params); err != nil {
		return nil, err
	}
	logUnused(weights, params)

	fmt.Printf("✓ Classifier loaded successfully\n")
	return clf, nil
}

// SaveCausalLM writes config.json and model.safetensors into dir
func SaveCausalLM(lm *DogeForCausalLM, dir, dtype string) error {
	return saveModel(dir, lm.Config, lm.Params(DogeWeightMapping()), dtype)
}

// SaveSequenceClassifier writes config.json and model.safetensors into dir
func SaveSequenceClassifier(clf *DogeForSequenceClassification, dir, dtype string) error {
	return saveModel(dir, clf.Config, clf.Params(DogeWeightMapping()), dtype)
}

func saveModel(dir string, config *ModelConfig, params []Param, dtype string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := config.SaveModelConfig(filepath.Join(dir, configFile)); err != nil {
		return err
	}
	metadata := map[string]string{"format": "pt"}
	if err := WriteSafetensors(filepath.Join(dir, weightsFile), CollectTensors(params), dtype, metadata); err != nil {
		return err
	}
	fmt.Printf("✓ Saved %d tensors to %s\n", len(params), dir)
	return nil
}

func logUnused(weights *WeightSet, params []Param) {
	used := make(map[string]bool, len(params))
	for _, p := range params {
		used[p.Name] = true
	}
	for _, name := range weights.Names() {
		if !used[name] {
			slog.Debug("skipping unused tensor", "name", name)
		}
	}
}

// IsNotFound reports whether err is a missing tensor error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTensorNotFound)
}
