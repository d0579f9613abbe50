// Command sqlbus runs the SQLBus server: the SQL-backed messaging and
// scheduling substrate behind the outbox, inbox, scheduler, semaphore and
// fanout APIs.
package main

import (
	"os"

	"github.com/sqlbus/sqlbus/cmd/sqlbus/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		commands.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}
