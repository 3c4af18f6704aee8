package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"doge-go/mqar"
)

// Compares attention with dynamic-value attention on a small MQAR split
func main() {
	fmt.Println("MQAR Quickstart")
	fmt.Println("===============")
	fmt.Println()

	data := mqar.MQARConfig{
		VocabSize:   512,
		InputSeqLen: 128,
		NumExamples: 64,
		NumKVPairs:  8,
		PowerA:      mqar.SweepPowerA,
	}
	seg, err := mqar.GenerateMQAR(data, mqar.SweepSeed+1)
	if err != nil {
		log.Fatalf("Failed to generate data: %v", err)
	}
	fmt.Printf("✓ Generated %d examples (seq len %d, %d kv pairs)\n", seg.Len(), data.InputSeqLen, data.NumKVPairs)

	var runs []mqar.Run
	for _, mixer := range []string{"attention", "dynamic_attention"} {
		runs = append(runs, mqar.Run{
			RunID: mqar.RunID(mixer, data.InputSeqLen, 64, 4e-3, data.NumKVPairs),
			Mixer: mixer,
			Model: mqar.ModelConfig{
				DModel:                64,
				NLayers:               2,
				MaxPositionEmbeddings: data.InputSeqLen,
				VocabSize:             data.VocabSize,
				SequenceMixer:         mqar.SweepMixers[mixer],
			},
			Test:      data,
			BatchSize: 16,
			Seed:      mqar.SweepSeed,
		})
	}

	results, err := mqar.RunSweep(context.Background(), runs, mqar.SweepOptions{
		CheckpointDir: os.Getenv("MQAR_CHECKPOINTS"),
	})
	if err != nil {
		log.Fatalf("Evaluation failed: %v", err)
	}

	fmt.Println()
	mqar.WriteReport(os.Stdout, results)
}
