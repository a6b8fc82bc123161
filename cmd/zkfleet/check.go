package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zkfleet/zkfleet"
	"github.com/zkfleet/zkfleet/internal/history"
)

// newCheckCmd validates the deployment without touching any terminal: the
// registry parses, the driver exists, the store answers, the history
// database opens.
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration, registry, store and history database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := zkfleet.LoadConfig()
			if v := firstNonEmpty(rootMachines); v != "" {
				cfg.MachinesPath = v
			}
			if v := firstNonEmpty(rootDriver); v != "" {
				cfg.DriverName = v
			}

			failed := 0
			report := func(name string, err error) {
				if err != nil {
					failed++
					fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", name, err)
					return
				}
				fmt.Printf("ok   %s\n", name)
			}

			registry, err := zkfleet.LoadRegistry(cfg.MachinesPath)
			report(fmt.Sprintf("registry %s", cfg.MachinesPath), err)
			if err == nil {
				fmt.Printf("     %d devices registered\n", registry.Len())
			}

			_, err = zkfleet.DriverByName(cfg.DriverName)
			report(fmt.Sprintf("driver %q", cfg.DriverName), err)

			store, err := newStore(cmd.Context(), cfg.Store)
			if err == nil {
				_, err = store.List(cmd.Context(), cfg.Backup.Prefix+"/")
			}
			if store != nil {
				report(fmt.Sprintf("store %s", store.Name()), err)
			} else {
				report("store", err)
			}

			if path := cfg.HistoryDBPath; path != "" {
				hs, err := history.Open(path)
				if err == nil {
					err = hs.Close()
				}
				report(fmt.Sprintf("history db %s", path), err)
			} else {
				fmt.Println("skip history db (HISTORY_DB_PATH not set)")
			}

			if failed > 0 {
				return fmt.Errorf("%d checks failed", failed)
			}
			return nil
		},
	}
}
