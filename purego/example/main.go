package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"doge-go/nanovllm"
	"doge-go/purego"
)

func main() {
	fmt.Println("Doge - Pure Go Example")
	fmt.Println("======================")
	fmt.Println()

	modelDir := os.Getenv("DOGE_MODEL_DIR")
	if modelDir == "" {
		modelDir = "./models/doge-20m"
	}

	llm, err := purego.NewEngine(modelDir, purego.BackendNative,
		nanovllm.WithMaxNumSeqs(16),
		nanovllm.WithMaxModelLen(2048),
	)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer llm.Close()

	samplingParams := nanovllm.NewSamplingParams(
		nanovllm.WithTemperature(0.7),
		nanovllm.WithTopP(0.9),
		nanovllm.WithMaxTokens(64),
	)

	prompts := []string{
		"Hello, how are you?",
		"What is the capital of France?",
		"Explain quantum computing in simple terms.",
	}

	fmt.Println("Generating responses...")
	fmt.Println()

	outputs, err := llm.GenerateSimple(context.Background(), prompts, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}

	fmt.Println("\nResults:")
	fmt.Println("========")
	for i, output := range outputs {
		fmt.Printf("\nPrompt %d: %s\n", i+1, prompts[i])
		fmt.Printf("Output: %s\n", output.Text)
		fmt.Printf("Tokens: %d\n", len(output.TokenIDs))
	}
}
