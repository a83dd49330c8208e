package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinepos/internal/config"
	"github.com/kimhsiao/offlinepos/internal/engine"
)

// NewStatusCommand prints the status of a running engine, or of a saved
// status snapshot.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	var addr, file string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue and cache status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if file != "" {
				data, err = os.ReadFile(file)
			} else {
				if addr == "" {
					cfg, cerr := config.Load(opts.ConfigPath)
					if cerr != nil {
						return &ExitError{Code: ExitCommandError, Message: "failed to load config", Err: cerr}
					}
					addr = cfg.Listen
				}
				data, err = fetchStatus(addr)
			}
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "failed to read status", Err: err}
			}

			var st engine.Status
			if err := json.Unmarshal(data, &st); err != nil {
				return &ExitError{Code: ExitCommandError, Message: "malformed status", Err: err}
			}
			if opts.Format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			renderStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "address of a running posync (default: config listen address)")
	cmd.Flags().StringVar(&file, "file", "", "read a saved status JSON file instead")
	return cmd
}

func fetchStatus(addr string) ([]byte, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/local/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

const timeLayout = "2006-01-02 15:04:05 UTC"

// renderStatus writes the human-readable status report.
func renderStatus(w io.Writer, st engine.Status) {
	line := func(label, format string, args ...interface{}) {
		fmt.Fprintf(w, "%-14s%s\n", label+":", fmt.Sprintf(format, args...))
	}

	if st.Online {
		line("Connectivity", "online")
	} else {
		line("Connectivity", "offline")
	}
	if st.Persistent {
		line("Storage", "persistent")
	} else {
		line("Storage", "memory only (data is lost on exit)")
	}
	line("Sync", "%s", st.Sync)
	line("Pending", "%d", st.Pending)
	line("Queue", "total %d, synced %d, failed %d", st.Queue.Total, st.Queue.Synced, st.Queue.FailedPermanent)

	if st.LastSync == nil {
		line("Last sync", "never")
	} else if r := st.LastResult; r != nil {
		line("Last sync", "%s (synced %d, errors %d, abandoned %d)",
			st.LastSync.UTC().Format(timeLayout), r.Synced, r.Errors, r.Abandoned)
	} else {
		line("Last sync", "%s", st.LastSync.UTC().Format(timeLayout))
	}

	version := st.Cache.Version
	if version == "" {
		version = "none"
	}
	line("Catalog", "%d products (version %s), %d out of stock, %d low stock",
		st.Cache.Products, version, st.Cache.OutOfStock, st.Cache.LowStock)
	line("Customers", "%d", st.Cache.Customers)
	if st.Cache.ProductsAge < 0 {
		line("Catalog age", "never refreshed")
	} else {
		line("Catalog age", "%s", (time.Duration(st.Cache.ProductsAge) * time.Millisecond).Round(time.Second))
	}
}
