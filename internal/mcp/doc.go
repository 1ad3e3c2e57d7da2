// Package mcp exposes arbiter as an MCP server.
//
// It uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp) over the
// stdio transport and registers tools for solution verification, format
// checks, stage output validation, full solve runs and archive search. Code
// and diagnostics are passed through the secrets redactor before they are
// returned to clients.
package mcp
