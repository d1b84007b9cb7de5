// Package approval defines the audit ledger of tool-call approval requests:
// entries, their review state machine, ledger events and the Ledger port.
package approval
