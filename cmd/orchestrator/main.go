// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator runs the chat orchestrator.
//
// # Subcommands
//
//   - serve: Start the HTTP server (default when no subcommand is given)
//   - migrate: Apply the chat store schema and exit
//   - config init: Write a default configuration file
//
// # Environment Variables
//
// Every value in the YAML file can be left out. The most common overrides:
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - GOOGLE_GENERATIVE_AI_API_KEY, OPENAI_API_KEY, ANTHROPIC_API_KEY: Server default model keys
//   - OLLAMA_BASE_URL: Ollama endpoint
//   - CHAT_STORE_DRIVER, CHAT_STORE_DSN: sqlite (default) or postgres
//   - FILE_CACHE_BACKEND, REDIS_ADDR: badger (default) or redis
//   - OTEL_EXPORTER_OTLP_ENDPOINT: Collector address, or "none"
//
// # Usage
//
//	orchestrator serve --config /etc/aleutian/orchestrator.yaml
//	orchestrator migrate
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
