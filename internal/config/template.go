package config

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# quill configuration

pipeline:
  # Built-in workflow name or path to a YAML workflow definition
  workflow: content
  mailbox_capacity: 64
  # Mailbox fill fraction that raises a slow-consumer event
  high_water: 0.8
  # How long routing waits for mailbox space before failing the run
  enqueue_wait: 2s
  # Fail runs that make no progress for this long (0 disables)
  watchdog_timeout: 10m
  watchdog_interval: 5s
  shutdown_grace: 10s
  retain_runs: 1000
  # Append raised alerts as JSON lines (empty disables)
  alert_log: ""
  poll_interval: 500ms

monitor:
  queue_size: 1024
  # Host CPU/memory sampling period (0 disables)
  resource_interval: 1m
  retain_runs: 1000
  # Thresholds are reloaded while quill is running
  thresholds:
    cpu_percent: 90
    memory_percent: 90
    stage_duration: 5m
    # Per-stage overrides
    # stages:
    #   writer: 10m

llm:
  base_url: https://api.openai.com/v1
  # Prefer QUILL_LLM_API_KEY in the environment
  api_key: ""
  model: gpt-4
  temperature: 0.7
  max_tokens: 2000
  context_window: 8192
  timeout: 60s
  max_attempts: 3
  initial_backoff: 4s
  max_backoff: 10s

research:
  # "{query}" is replaced by the escaped topic
  sources:
    - https://en.wikipedia.org/w/index.php?search={query}
  max_points: 20
  min_point_length: 40
  concurrency: 4
  timeout: 20s
  user_agent: quill/1.0
  cache_ttl: 24h
  cache_size: 256

stages:
  style: informative
  length: medium-length
  max_keywords: 8
  social_images: 2
  image_style: modern
  # Recent interactions kept per stage
  history_size: 100
  history_ttl: 24h

publisher:
  output_dir: articles

history:
  enabled: true
  # path: ~/.config/quill/history.db

# Distributed tracing (OpenTelemetry)
tracing:
  enabled: false
  # Options: none, file, stdout, otlp
  exporter: file
  # file_path: ~/.config/quill/traces/traces.jsonl
  otlp_endpoint: localhost:4317
  sample_rate: 1.0

log:
  # file: quill.log
  level: info
`
}
