// Command eidsign signs PDF documents with a Belgian eID card.
//
// Usage:
//
//	eidsign <command> [flags]
//
// Commands:
//
//	sign     Sign a PDF (flags, or a JSON request on stdin with --json)
//	digest   Print the SHA-256 of a file
//	verify   Verify the signatures of a PDF
//	token    List the certificates on the token
//	version  Show version information
package main

import "github.com/georgepadayatti/eidsign/cli"

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/eidsign
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime
	cli.Run()
}
