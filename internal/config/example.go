package config

import (
	"fmt"
	"os"
)

// ExampleYAML is the template written by -generate-config. It
// validates as written; the auth endpoints and ip_hash_salt are
// placeholders to replace before production use.
const ExampleYAML = `# lingocast configuration

server:
  host: ""            # all interfaces
  port: 8080          # public WebSocket listener
  control_port: 9090  # operator API + dashboard + /metrics
  tls:
    cert_file: ""     # leave both empty to serve plain HTTP
    key_file: ""
    auto_cert: false  # self-signed certificate, development only

store:
  backend: memory     # memory, redis, or badger
  op_timeout_sec: 2
  redis:
    addr: localhost:6379
    password: ""      # or LINGOCAST_REDIS_PASSWORD
    db: 0
    key_prefix: "lingocast:"
  badger:
    path: data/sessions

session:
  max_listeners_per_session: 500
  retention_sec: 43200  # 12h hard session lifetime

connection:
  max_duration_sec: 7200  # hard per-connection cap
  warning_sec: 6300       # heartbeats warn past this age
  refresh_sec: 6000       # clients should refresh around here

# Fixed-window admission budgets. When the store cannot be consulted,
# create_session denies (the expensive operation fails closed) while
# join_session admits (listeners fail open).
rate_limit:
  create_session:
    window_sec: 60
    limit: 5
  join_session:
    window_sec: 60
    limit: 30

id_generator:
  max_attempts: 10
  adjectives: []  # empty keeps the built-in list
  nouns: []
  blacklist: []

auth:
  issuer: "https://auth.example.com"
  audience: "lingocast"
  jwks_url: "https://auth.example.com/.well-known/jwks.json"
  token_use: access
  cache_ttl_sec: 3600

languages:
  source: static  # static or http
  endpoint: ""    # required for http, e.g. https://translate.example.com/v1/languages
  pairs:
    en: [es, fr, de, ja]
    es: [en]
    fr: [en]
  cache_ttl_sec: 600
  lookup_budget_ms: 500

broadcast:
  max_parallel: 32
  send_timeout_sec: 5

admission:
  deadline_sec: 5

history:
  enabled: true
  path: data/history.db
  retention_days: 30

control:
  enabled: true
  rate_limit_per_min: 120

telemetry:
  service_name: lingocast
  traces:
    exporter: none  # otlp, stdout, or none
    endpoint: localhost:4317
    insecure: false
  metrics:
    enabled: true   # Prometheus bridge on the control listener

logging:
  level: info   # debug, info, warn, error
  format: json  # json or text

# Salt for hashing listener addresses before they are stored. Set it
# once and keep it stable; rotating it orphans stored rate counters.
ip_hash_salt: "change-me"
`

// WriteExample writes the configuration template to path. It refuses
// to overwrite an existing file.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing %s", path)
	}
	if err := os.WriteFile(path, []byte(ExampleYAML), 0644); err != nil {
		return fmt.Errorf("writing example config: %w", err)
	}
	return nil
}
