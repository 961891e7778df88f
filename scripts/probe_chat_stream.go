//go:build ignore

// Manual probe for the streaming chat pipeline against a locally running
// Ollama. Run with: go run scripts/probe_chat_stream.go "your prompt"
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"ollama-chat-be/pkg/ollama"

	"github.com/fatih/color"
)

const (
	baseURL      = "http://localhost:11434"
	defaultModel = "llama3.2:latest"
)

func main() {
	prompt := "Reply with the single word: pong"
	if len(os.Args) > 1 {
		prompt = os.Args[1]
	}

	client := ollama.NewClient(baseURL, 120*time.Second, 5*time.Minute)
	ctx := context.Background()

	color.Cyan("Checking loaded models at %s ...", baseURL)
	running, err := client.ListRunning(ctx)
	if err != nil {
		color.Red("Ollama unreachable: %v", err)
		os.Exit(1)
	}
	if len(running) == 0 {
		color.Yellow("No models loaded. Load one first: curl %s/api/generate -d '{\"model\":\"%s\"}'", baseURL, defaultModel)
		os.Exit(1)
	}
	model := running[0].Name
	color.Green("Using model: %s", model)

	start := time.Now()
	var tokens int
	stream, err := client.StreamChat(ctx, model, []ollama.Message{
		{Role: "user", Content: prompt},
	}, func(frag ollama.Fragment) {
		if frag.Done {
			fmt.Println()
			return
		}
		tokens++
		fmt.Print(frag.Content)
	})
	if err != nil {
		color.Red("StreamChat failed: %v", err)
		os.Exit(1)
	}
	if err := stream.Wait(); err != nil {
		color.Red("Stream error: %v", err)
		os.Exit(1)
	}

	color.Green("Done: %d fragments in %s", tokens, time.Since(start).Round(time.Millisecond))
}
