package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/deplyx/deplyx/pkg/graph"
)

var seedCmd = &cobra.Command{
	Use:   "seed [topology-file]",
	Short: "Validate the built-in demo topology or a topology file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		batch := graph.SeedTopology(now)
		if len(args) == 1 {
			var err error
			batch, err = graph.LoadTopologyFile(args[0], now)
			if err != nil {
				return err
			}
		}

		store := graph.NewStore(2, nil)
		if err := store.Apply(batch); err != nil {
			return err
		}

		snap := store.Snapshot()
		fmt.Printf("topology ok: %d nodes at revision %d\n", snap.Len(), snap.Revision)
		for _, kind := range []graph.Kind{graph.KindDevice, graph.KindVLAN, graph.KindRule,
			graph.KindApplication, graph.KindService} {
			fmt.Printf("  %-12s %d\n", kind, len(snap.NodesByKind(kind)))
		}
		core := 0
		for _, id := range snap.NodesByKind(graph.KindDevice) {
			if snap.Node(id).IsCore() {
				core++
			}
		}
		fmt.Printf("  core devices %d\n", core)
		return nil
	},
}
