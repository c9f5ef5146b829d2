/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Command enginectl is the operator console: it opens a data directory
// directly (no RPC to a running engined) and lets an operator inspect or
// repair aggregates -- health checks, forced snapshot/compact, and an
// interactive console grounded on scm.Repl's readline loop.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/launix-de/raftstore/engine"
	"github.com/launix-de/raftstore/examples"
	"github.com/launix-de/raftstore/storage"
)

var dataDir string

func main() {
	root := &cobra.Command{
		Use:   "enginectl",
		Short: "Operator tool for a raftstore data directory",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "root directory for all aggregates")

	root.AddCommand(healthCmd(), snapshotCmd(), compactCmd(), consoleCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openEngine constructs an Engine against dataDir with the one built-in
// ledger aggregate registered, the same way engined does. A real deployment
// would load its aggregate set from a plugin/config file; this CLI is an
// operator tool for the sample aggregate shipped with this repository.
func openEngine() (*engine.Engine, error) {
	log := zerolog.Nop()
	cfg := storage.DefaultConfig(dataDir)
	eng, err := engine.New(engine.Options{Config: cfg, Logger: &log})
	if err != nil {
		return nil, err
	}
	eng.RegisterAggregate(storage.AggregateDescriptor{Name: "ledger", PrimaryKey: "id"}, examples.NewLedgerModel())
	return eng, nil
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health <aggregate>",
		Short: "Report recovery/poison status for an aggregate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Shutdown()
			h, err := eng.Health(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("aggregate=%s event_index=%d poisoned=%v truncated=%v\n", h.Aggregate, h.EventIndex, h.Poisoned, h.Truncated)
			if h.Poisoned {
				fmt.Println("cause:", h.PoisonedBy)
			}
			return nil
		},
	}
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <aggregate>",
		Short: "Force an out-of-band snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Shutdown()
			return eng.SaveSnapshot(args[0])
		},
	}
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <aggregate>",
		Short: "Truncate the segment log to the post-snapshot tail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Shutdown()
			return eng.Compact(args[0])
		},
	}
}

func consoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive operator console",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Shutdown()
			return runConsole(eng)
		},
	}
}
