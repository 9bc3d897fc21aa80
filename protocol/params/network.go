package params

// LedgerID names this ledger family. It prefixes NATS subjects and is
// reported by the status endpoint so collaborators can tell deployments apart.
const LedgerID = "supplyledger"

// SubjectEvents is the NATS subject suffix appended events are published on.
const SubjectEvents = "events"

// ReceiptVersion is the Base58Check version byte of receipt codes.
const ReceiptVersion = byte(0x2a)
