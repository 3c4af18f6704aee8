package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"golang.org/x/exp/rand"

	"doge-go/nanovllm"
	"doge-go/purego"
	"doge-go/purego/tensor"
)

func main() {
	numRequests := flag.Int("requests", 32, "Number of requests")
	minInputLen := flag.Int("min-input", 16, "Minimum prompt length")
	maxInputLen := flag.Int("max-input", 128, "Maximum prompt length")
	minOutputLen := flag.Int("min-output", 16, "Minimum completion length")
	maxOutputLen := flag.Int("max-output", 64, "Maximum completion length")
	modelDir := flag.String("model", "", "Doge model directory (random tiny model when empty)")
	mock := flag.Bool("mock", false, "Use the mock runner instead of a model")
	seed := flag.Uint64("seed", 0, "Seed for prompts and lengths")
	flag.Parse()

	fmt.Println("Doge Engine Benchmark")
	fmt.Println("=====================")
	fmt.Println()

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Number of requests: %d\n", *numRequests)
	fmt.Printf("  Input length: %d-%d tokens\n", *minInputLen, *maxInputLen)
	fmt.Printf("  Output length: %d-%d tokens\n", *minOutputLen, *maxOutputLen)
	fmt.Println()

	maxModelLen := *maxInputLen + *maxOutputLen
	config, err := nanovllm.BuildConfig(*modelDir,
		nanovllm.WithMaxNumSeqs(64),
		nanovllm.WithMaxModelLen(maxModelLen),
		nanovllm.WithMaxNumBatchedTokens(max(16384, maxModelLen)),
	)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	var (
		llm       *nanovllm.LLM
		vocabSize int
	)
	switch {
	case *mock:
		llm = nanovllm.NewLLM(config)
		vocabSize = 32000
	case *modelDir != "":
		runner, err := purego.NewDogeModelRunner(*modelDir, config)
		if err != nil {
			log.Fatalf("Failed to load model: %v", err)
		}
		vocabSize = runner.Model().Config.VocabSize
		llm = nanovllm.NewLLMWithComponents(config, runner, nanovllm.NewMockTokenizer(config.EOS))
	default:
		lm := randomModel(maxModelLen, *seed)
		vocabSize = lm.Config.VocabSize
		config.EOS = lm.Config.EOSTokenID
		llm = nanovllm.NewLLMWithComponents(config, nanovllm.NewTensorModelRunnerFromModel(lm), nanovllm.NewMockTokenizer(config.EOS))
	}
	defer llm.Close()

	rng := rand.New(rand.NewSource(*seed))
	prompts := make([]interface{}, *numRequests)
	samplingParams := make([]*nanovllm.SamplingParams, *numRequests)
	for i := range *numRequests {
		inputLen := *minInputLen + rng.Intn(*maxInputLen-*minInputLen+1)
		outputLen := *minOutputLen + rng.Intn(*maxOutputLen-*minOutputLen+1)

		tokens := make([]int, inputLen)
		for j := range tokens {
			tokens[j] = rng.Intn(vocabSize)
		}
		prompts[i] = tokens

		samplingParams[i] = nanovllm.NewSamplingParams(
			nanovllm.WithTemperature(0.6),
			nanovllm.WithMaxTokens(outputLen),
			nanovllm.WithSeed(int64(*seed)+int64(i)),
			nanovllm.WithIgnoreEOS(true),
		)
	}

	fmt.Println("Starting benchmark...")
	fmt.Println()

	startTime := time.Now()
	outputs, err := llm.Generate(context.Background(), prompts, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}
	elapsed := time.Since(startTime).Seconds()

	totalOutputTokens := 0
	for _, output := range outputs {
		totalOutputTokens += len(output.TokenIDs)
	}

	fmt.Println()
	fmt.Println("Benchmark Results:")
	fmt.Println("==================")
	fmt.Printf("Total requests: %d\n", *numRequests)
	fmt.Printf("Total output tokens: %d\n", totalOutputTokens)
	fmt.Printf("Time elapsed: %.2f seconds\n", elapsed)
	fmt.Printf("Throughput: %.2f tokens/sec\n", float64(totalOutputTokens)/elapsed)
	fmt.Printf("Average latency: %.2f ms/request\n", elapsed*1000/float64(*numRequests))
}

// randomModel returns a small seeded Doge model covering maxLen positions
func randomModel(maxLen int, seed uint64) *tensor.DogeForCausalLM {
	c := tensor.NewDogeConfig()
	c.NumLayers = 2
	c.VocabSize = 4096
	c.Hidden = 128
	c.NumAttentionHeads = 4
	c.MaxPositionEmbeddings = max(c.MaxPositionEmbeddings, maxLen)
	c.SharedExpertIntermediateSize = 256
	c.PrivateExpertIntermediateSize = 32
	c.NumCDMoMEExperts = 256
	c.NumCDMoMEHeads = 2
	c.NumCDMoMEExpertsPerHead = 4

	lm, err := tensor.NewDogeForCausalLM(c)
	if err != nil {
		log.Fatalf("Invalid model config: %v", err)
	}
	lm.InitWeights(seed)
	fmt.Printf("✓ Random Doge model (%d layers, hidden %d, vocab %d)\n", c.NumLayers, c.Hidden, c.VocabSize)
	return lm
}
