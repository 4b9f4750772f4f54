// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/r3labs/sse/v2"
	"github.com/spf13/cobra"
)

var watchServerURL string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail the live event stream of a running mnemo server",
	Long:  `Connects to a running server's /stream endpoint and prints memory lifecycle events (sessions, queued and stored observations, summaries, processing status) as they happen.`,
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchServerURL, "server", "", "server base URL (default: http://<host>:<port> from config)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	base := watchServerURL
	if base == "" {
		base = fmt.Sprintf("http://%s", config.Server.Addr())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := sse.NewClient(base + "/stream")
	fmt.Fprintf(cmd.OutOrStdout(), "watching %s/stream (Ctrl+C to stop)\n", base)

	err := client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		if len(msg.Data) == 0 {
			return
		}
		name := string(msg.Event)
		if name == "" {
			name = "message"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", name, msg.Data)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
