package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lxstack/lxmq/pkg/host"
	"github.com/lxstack/lxmq/pkg/kv"
	"github.com/lxstack/lxmq/pkg/ports"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Inspect and repair the port allocator records",
}

func init() {
	portsCmd.AddCommand(portsAvailableCmd)
	portsCmd.AddCommand(portsPendingCmd)
	portsCmd.AddCommand(portsRestoreCmd)
}

// newAllocator wires the allocator against the live cluster for the
// operator commands.
func newAllocator() (*ports.Allocator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := kv.NewConsul(cfg.Consul)
	if err != nil {
		return nil, err
	}
	return ports.NewAllocator(store, host.NewLXC(), cfg.Ports, cfg.Consul.LockName, cfg.Consul.LockTimeout), nil
}

var portsAvailableCmd = &cobra.Command{
	Use:   "available",
	Short: "Print the available-ports record",
	RunE: func(cmd *cobra.Command, args []string) error {
		allocator, err := newAllocator()
		if err != nil {
			return err
		}
		available, err := allocator.AvailableSnapshot(cmd.Context())
		if err != nil {
			return err
		}
		for _, port := range available {
			fmt.Println(port)
		}
		return nil
	},
}

var portsPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Print the pending-ports record with reservation ages",
	RunE: func(cmd *cobra.Command, args []string) error {
		allocator, err := newAllocator()
		if err != nil {
			return err
		}
		pending, err := allocator.PendingSnapshot(cmd.Context())
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(pending))
		for port := range pending {
			keys = append(keys, port)
		}
		sort.Strings(keys)
		for _, port := range keys {
			line := fmt.Sprintf("%s\treserved_at=%s", port, pending[port].ReservedAt)
			if secs, err := strconv.ParseInt(pending[port].ReservedAt, 10, 64); err == nil {
				line += fmt.Sprintf("\tage=%s", time.Since(time.Unix(secs, 0)).Round(time.Second))
			}
			fmt.Println(line)
		}
		return nil
	},
}

var portsRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Rebuild the available-ports record from the live cluster",
	Long: `Recompute the free set (range minus live proxy listeners minus pending
reservations) and write it as the available-ports record. Use after a
crash or manual surgery left the record stale.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		allocator, err := newAllocator()
		if err != nil {
			return err
		}
		return restorePorts(cmd.Context(), allocator)
	},
}

func restorePorts(ctx context.Context, allocator *ports.Allocator) error {
	free, err := allocator.Free(ctx)
	if err != nil {
		return err
	}
	if err := allocator.RestoreAvailable(ctx, free); err != nil {
		return err
	}
	fmt.Printf("restored %d available ports\n", len(free))
	return nil
}
