package main

import (
	"fmt"
	"io"
)

func printUsage(w io.Writer) {
	fmt.Fprint(w, `basekv - replicated key-value store

Usage:
  basekv <command> [options]

Commands:
  serve       Run one replica
  config      Configuration management
  version     Show version information

Use "basekv <command> -h" for more information about a command.
`)
}

func printServeUsage(w io.Writer) {
	fmt.Fprint(w, `Run one replica

Usage:
  basekv serve -config <file> [options]

Options:
  -config string
        Path to configuration file (required)
  -id string
        Replica id (overrides config)
  -data-dir string
        Data directory path (overrides config)
  -log-level string
        Log level: debug, info, warn, error (overrides config)
  -h, -help
        Show this help message

Client protocol (one command per line on kv.listen):
  PUT <key> <value>     OK <index>
  GET <key> [stale]     VALUE <value> | NOT_FOUND
  DEL <key>             OK <index>
  STATUS                role, term, leader and indexes
  MEMBERS               current voters and learners
  TRANSFER <id>         hand leadership to a voter
  RECOVER               lead again after losing a quorum
  QUIT                  close the connection
Failures are answered with ERR <message>.
`)
}

func printConfigUsage(w io.Writer) {
	fmt.Fprint(w, `Configuration management

Usage:
  basekv config <subcommand> [options]

Subcommands:
  validate    Validate configuration file

Use "basekv config <subcommand> -h" for more information.
`)
}

func printVersionUsage(w io.Writer) {
	fmt.Fprint(w, `Show version information

Usage:
  basekv version [options]

Options:
  -short
        Show only version number
  -h, -help
        Show this help message
`)
}
