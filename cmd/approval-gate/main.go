// Command approval-gate is a human-in-the-loop approval service for AI
// agent tool calls.
package main

import "github.com/Sentinel-Gate/approvalgate/cmd/approval-gate/cmd"

func main() {
	cmd.Execute()
}
