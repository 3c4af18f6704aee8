package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doge-go/mqar"
	"doge-go/purego/tensor"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cli := NewCLI()
	cli.SetOut(&buf)
	cli.SetErr(&buf)
	cli.SetArgs(args)
	err := cli.ExecuteContext(context.Background())
	return buf.String(), err
}

func tinyConfigFile(t *testing.T) string {
	t.Helper()
	c := tensor.NewDogeConfig()
	c.NumLayers = 1
	c.VocabSize = 32
	c.Hidden = 16
	c.NumAttentionHeads = 4
	c.MaxPositionEmbeddings = 64
	c.SharedExpertIntermediateSize = 32
	c.PrivateExpertIntermediateSize = 8
	c.NumCDMoMEExperts = 16
	c.NumCDMoMEHeads = 2
	c.NumCDMoMEExpertsPerHead = 2

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, c.SaveModelConfig(path))
	return path
}

func TestInitAndInspect(t *testing.T) {
	config := tinyConfigFile(t)
	dir := filepath.Join(t.TempDir(), "model")

	out, err := run(t, "init", "--config", config, "--out", dir, "--seed", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote causal-lm checkpoint")

	lm, err := tensor.LoadCausalLM(dir)
	require.NoError(t, err)
	assert.Equal(t, 32, lm.Config.VocabSize)

	out, err = run(t, "inspect", "--model", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "model.word_embed.word_embeddings.weight")
	assert.Contains(t, out, "[32 16]")
	assert.Contains(t, out, tensor.DtypeF32)
}

func TestInitClassifier(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "clf")
	_, err := run(t, "init", "--config", tinyConfigFile(t), "--out", dir, "--task", "classification", "--num-labels", "3", "--dtype", "bf16")
	require.NoError(t, err)

	clf, err := tensor.LoadSequenceClassifier(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 16}, clf.Classifier.Shape)
}

func TestInitErrors(t *testing.T) {
	_, err := run(t, "init")
	assert.Error(t, err)

	_, err = run(t, "init", "--config", tinyConfigFile(t), "--out", t.TempDir(), "--task", "seq2seq")
	assert.ErrorContains(t, err, "unknown task")

	_, err = run(t, "inspect", "--model", t.TempDir())
	assert.Error(t, err)
}

func TestMQARPlan(t *testing.T) {
	out, err := run(t, "mqar", "plan", "--json")
	require.NoError(t, err)

	var sweep mqar.Sweep
	require.NoError(t, json.Unmarshal([]byte(out), &sweep))
	assert.Len(t, sweep.Runs, 32)

	out, err = run(t, "mqar", "plan")
	require.NoError(t, err)
	assert.Contains(t, out, "attention-seqlen256-dmodel64-lr0.004-kv8")
}

func TestMQARGen(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "mqar", "gen", "--vocab", "128", "--seq-len", "64", "--kv", "4", "--examples", "3", "--seed", "5", "--cache-dir", dir)
	require.NoError(t, err)

	cfg := mqar.MQARConfig{VocabSize: 128, InputSeqLen: 64, NumKVPairs: 4, NumExamples: 3, PowerA: mqar.SweepPowerA}
	path := mqar.CachePath(dir, cfg, 5)
	assert.Contains(t, out, path)

	seg, err := mqar.LoadSegment(path)
	require.NoError(t, err)
	want, err := mqar.GenerateMQAR(cfg, 5)
	require.NoError(t, err)
	assert.Equal(t, want, seg)

	_, err = run(t, "mqar", "gen", "--seq-len", "63", "--cache-dir", dir)
	assert.Error(t, err)
}

func TestMQAREval(t *testing.T) {
	out, err := run(t, "mqar", "eval", "--limit", "1", "--examples", "2", "--cache-dir", "", "--concurrency", "1", "--json")
	require.NoError(t, err)

	var results []mqar.Result
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "attention-seqlen256-dmodel64-lr0.004-kv8", results[0].Run.RunID)
	assert.Equal(t, mqar.SourceInit, results[0].Source)
	assert.Equal(t, 2*8, results[0].Metrics.NumTokens)
}
