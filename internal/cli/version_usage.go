package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Fprintln(stdout, `tunnelrelay - stable backend address for ephemeral tunnels

A relay stores the current public address of a temporary tunnel; the
publisher writes it and clients resolve it on startup.

Usage:
  tunnelrelay relay                       Start the relay HTTP service
  tunnelrelay publish <url>               Publish a tunnel URL to the relay
  tunnelrelay auto --port 3000            Run cloudflared and publish every URL it prints
  tunnelrelay resolve [path]              Resolve the backend address (and an API URL)
  tunnelrelay endpoint show               Show the persisted address
  tunnelrelay endpoint set <url>          Persist a manual override
  tunnelrelay endpoint clear              Remove the persisted address
  tunnelrelay fetch [METHOD] <path> [body]  Call the resolved backend
  tunnelrelay watch                       Stream endpoint changes from the relay
  tunnelrelay version                     Print version
  tunnelrelay help                        Show this help

Quick Start:
  1. tunnelrelay relay --allow-host '*.trycloudflare.com'
  2. tunnelrelay auto --relay https://relay.example.com --port 3000
  3. tunnelrelay resolve --relay https://relay.example.com /api/users

Environment Variables:
  TUNNELRELAY_RELAY_URL   Relay URL (fallback: WORKERS_URL)
  TUNNELRELAY_TUNNEL_URL  Tunnel URL to publish (fallback: TUNNEL_URL)
  TUNNELRELAY_PORT        Local port for auto (fallback: PORT, default 3000)
  TUNNELRELAY_ORIGIN      Default backend origin for resolve
  TUNNELRELAY_STATE_PATH  Persisted endpoint file (default: ~/.tunnelrelay/endpoint.json)
  TUNNELRELAY_STORE       Relay store: sqlite|redis|memory (default: sqlite)
  TUNNELRELAY_DB_PATH     SQLite database path (default: ./tunnelrelay.db)
  TUNNELRELAY_REDIS_ADDR  Redis address for --store=redis
  TUNNELRELAY_ALLOW_HOSTS Comma-separated allowed endpoint host patterns
  TUNNELRELAY_TLS_MODE    TLS mode: off|static|auto (default: off)
  TUNNELRELAY_LOG_LEVEL   Log level: debug|info|warn|error (default: info)
  TUNNELRELAY_LOG_FORMAT  Log format: auto|text|json (default: text, relay: auto)

Variables from ./.env are loaded when not already set.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	Version = ensureVPrefix(Version)
}

// ensureVPrefix returns s with a leading "v" unless it is empty, already
// prefixed or the "dev" placeholder.
func ensureVPrefix(s string) string {
	if s == "" || s == "dev" || strings.HasPrefix(s, "v") {
		return s
	}
	return "v" + s
}

func printVersion() {
	fmt.Fprintln(stdout, "tunnelrelay", Version)
}
