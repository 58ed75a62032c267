//go:build tinygo || wasm

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-voicechat/engines/examples/internal/host"
)

type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// run echoes the user's input back one word at a time, prefixed with how
// many turns of context it was given.
//
//export run
func run() {
	input := strings.TrimSpace(os.Getenv("LOQA_LLM_INPUT"))
	var history []turn
	if raw := os.Getenv("LOQA_LLM_MESSAGES"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			host.Log("failed to decode messages: " + err.Error())
		}
	}
	host.Log(fmt.Sprintf("echo engine: %d turns of context", len(history)))

	if input == "" {
		host.EmitToken("I did not catch that.")
		return
	}
	if host.EmitToken("You said:") != host.Continue {
		return
	}
	for _, word := range strings.Fields(input) {
		if host.ShouldStop() {
			host.Log("stopped by host")
			return
		}
		if host.EmitToken(" "+word) != host.Continue {
			return
		}
	}
}

func main() {}
