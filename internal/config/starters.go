package config

import (
	"errors"
	"fmt"
	"os"
)

// starterConfig is written on first run. Every value matches the built-in
// default so the file only documents what can be changed.
const starterConfig = `# xbot configuration
bind_addr: 127.0.0.1:18790
log_level: info

storage:
  backend: file   # file | sqlite | postgres
  # dsn: postgres://xbot@localhost/xbot

workers:
  concurrency: 2
  default_backend: core-agent
  # command: xbot-agent --stdin

heartbeat:
  tick_seconds: 60
  every: 30m
  # active_start: "08:00"
  # active_end: "22:00"
  # timezone: Asia/Shanghai

channels:
  telegram:
    enabled: false
    allowed_ids: []

gateway:
  # auth_token: change-me
  allow_origins: []
  requests_per_minute: 0
  burst_size: 10

nats:
  enabled: false
  subject_prefix: xbot
  # url: nats://127.0.0.1:4222
  # remote_backends: [gpu-agent]

otel:
  enabled: false

schedules: []
#  - name: morning-digest
#    cron: "0 8 * * *"
#    user_id: "123456"
#    goal: Summarize overnight messages
`

// WriteStarter creates config.yaml under homeDir if it does not exist. It
// reports whether a file was written.
func WriteStarter(homeDir string) (bool, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create xbot home: %w", err)
	}
	f, err := os.OpenFile(ConfigPath(homeDir), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create config.yaml: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(starterConfig); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}
