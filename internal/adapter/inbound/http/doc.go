// Package http composes the approval gate's HTTP server.
//
// A single listener serves every surface:
//
//	/mcp      MCP Streamable HTTP endpoint exposing approval_prompt
//	/api/     admin API for the audit log and the approvals configuration
//	/health   JSON health report
//	/metrics  Prometheus metrics
//
// Requests pass through MetricsMiddleware, RequestIDMiddleware,
// RealIPMiddleware and DNSRebindingProtection, outermost first.
package http
