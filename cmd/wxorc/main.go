package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"wxorc/internal/config"
	"wxorc/internal/orchestrator"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	genConfig := flag.Bool("generate-config", false, "Generate example config and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("wxorc %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if *genConfig {
		fmt.Print(exampleConfig)
		os.Exit(0)
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	log := slog.New(handler)

	log.Info("wxorc starting", "version", version, "commit", commit, "build_date", buildDate)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err, "path", *configPath)
		os.Exit(1)
	}

	sup, err := orchestrator.New(cfg, log)
	if err != nil {
		log.Error("failed to construct supervisor", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		log.Error("supervisor error", "error", err)
		os.Exit(1)
	}
}

const exampleConfig = `# wxorc configuration
# wxorc polls one or more WeChat-automation daemons for inbound messages,
# routes them through a rule engine to a pluggable AI/accounting/keyword
# platform, and sends replies back.

store:
  path: ./wxorc.db
  max_open_conns: 4
  max_idle_conns: 2

instances:
  - id: main
    name: Primary WeChat instance
    base_url: http://127.0.0.1:5000
    api_key: "CHANGE_ME_API_KEY"
    enabled: true
    rate_limit_per_second: 2
    rate_limit_burst: 4

pipeline:
  poll_interval_seconds: 5
  timeout_minutes: 30
  max_listeners: 50
  delivery_workers: 4
  merge_window_ms: 1500
  platform_call_timeout_seconds: 30
  accounting_call_timeout_seconds: 15
  conversation_purge_days: 7
  downloads_dir: ./downloads
  housekeeping_interval_seconds: 60

platforms:
  dify:
    assistant:
      name: Dify assistant
      api_base: https://api.dify.ai/v1
      api_key: "CHANGE_ME_DIFY_KEY"
      user_id: wxorc
      message_send_mode: normal
      enabled: true
  openai:
    gpt:
      name: OpenAI chat
      api_base: https://api.openai.com/v1
      api_key: "CHANGE_ME_OPENAI_KEY"
      model: gpt-4o-mini
      temperature: 0.7
      system_prompt: You are a helpful WeChat assistant.
      max_tokens: 800
      message_send_mode: normal
      enabled: false
  keyword:
    faq:
      name: FAQ autoresponder
      min_reply_time: 0.5
      max_reply_time: 2
      message_send_mode: normal
      enabled: true
      rules:
        - keywords: ["hours", "open"]
          match_type: contains
          replies: ["We're open 9am-6pm Monday to Friday."]
          is_random_reply: false
  zhiweijz:
    accounting:
      name: Zhiweijz smart accounting
      server_url: https://zhiweijz.example.com
      username: "CHANGE_ME"
      password: "CHANGE_ME"
      account_book_id: "CHANGE_ME_BOOK_ID"
      auto_login: true
      warn_on_irrelevant: true
      request_timeout: 15
      message_send_mode: normal
      enabled: false

rules:
  - name: default
    instance_id: "*"
    chat_pattern: "*"
    platform_id: assistant
    priority: 0
    enabled: true
    only_at_messages: false
    reply_at_sender: false

fixed_listeners: []

logging:
  min_level: info
  writers:
    - type: stdout
      format: pretty

metrics:
  enabled: true
  listen: 127.0.0.1:9191
`
