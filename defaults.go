package main

import (
	"time"

	"supplyledger/ledger"
	"supplyledger/protocol/params"
)

// Deployment defaults.
//
// Keep these centralized so main/daemon/cli/config stay consistent.
const (
	DefaultDataDir      = "./supplyledger-data"
	DefaultBackend      = ledger.BackendFile
	DefaultAPIAddr      = "127.0.0.1:8337"
	DefaultSealTimeout  = 2 * time.Minute
	DefaultNATSPrefix   = params.LedgerID
	DefaultProductPlace = "Factory"
	DefaultProductStage = "Created"
)
