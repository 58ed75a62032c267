// Command voicechat drives a running voicechatd over the bus.
//
// Usage:
//
//	voicechat [flags] <command> [args]
//
// Commands:
//
//	init            - load the recognition and generation engines
//	send            - submit a typed message
//	record          - start or stop voice capture
//	abort           - cancel the reply being generated
//	history         - print the conversation
//	clear           - delete the conversation
//	status          - print or follow the pipeline status
//	validate-engine - check a WASM engine manifest
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
