package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sharedlog/pkg/blockstore"
	"sharedlog/pkg/identity"
	"sharedlog/pkg/replication"
	"sharedlog/pkg/role"
	"sharedlog/pkg/sharedlog"
	"sharedlog/pkg/transport/memory"
)

var demoFlags struct {
	Peers    int
	Entries  int
	Replicas int
	Settle   time.Duration
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "runs peers in process and shows how entries spread",
	Long: `
	Starts --peers replicators on an in-memory transport, appends --entries
	roots on the first one and prints what every peer holds once replication
	has settled.
	`,
	SilenceUsage: true,
	RunE:         runDemo,
}

func init() {
	demoCmd.Flags().IntVar(&demoFlags.Peers, "peers", 3, "number of peers")
	demoCmd.Flags().IntVar(&demoFlags.Entries, "entries", 100, "number of entries to append")
	demoCmd.Flags().IntVar(&demoFlags.Replicas, "replicas", 2, "minimum replicas per entry")
	demoCmd.Flags().DurationVar(&demoFlags.Settle, "settle", 3*time.Second, "time to wait before printing")
}

func runDemo(cmd *cobra.Command, args []string) error {
	if demoFlags.Peers < 1 || demoFlags.Replicas < 1 {
		return fmt.Errorf("peers and replicas must be >= 1")
	}
	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := memory.NewHub()

	logs := make([]*sharedlog.Log, 0, demoFlags.Peers)
	for i := 0; i < demoFlags.Peers; i++ {
		id, err := identity.Generate()
		if err != nil {
			return err
		}
		node := sharedlog.NewNode(id, hub.Join(id.PeerID()), blockstore.MemoryOpener{}, nil, quiet)
		defer node.Close()
		l, err := node.Open(ctx, sharedlog.Options{
			Name:               "demo",
			Role:               role.Replicator{Factor: 1},
			Replication:        replication.Factor{Min: replication.AbsoluteReplicas(demoFlags.Replicas)},
			RebalanceInterval:  50 * time.Millisecond,
			DistributeInterval: 50 * time.Millisecond,
			Debounce:           100 * time.Millisecond,
			AnnounceEvery:      10 * time.Millisecond,
		})
		if err != nil {
			return err
		}
		logs = append(logs, l)
	}

	fmt.Printf("[demo] %d peers, min replicas %d, appending %d entries\n", demoFlags.Peers, demoFlags.Replicas, demoFlags.Entries)
	for i := 0; i < demoFlags.Entries; i++ {
		if _, err := logs[0].Append(ctx, []byte(fmt.Sprintf("entry-%d", i)), sharedlog.AppendOptions{Root: true}); err != nil {
			return err
		}
	}
	time.Sleep(demoFlags.Settle)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "peer\trole\tentries\tmemory")
	total := 0
	for _, l := range logs {
		total += l.Len()
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", l.Self()[:8], role.String(l.Role()), l.Len(), humanize.IBytes(uint64(l.MemoryUsage())))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if demoFlags.Entries > 0 {
		fmt.Printf("[demo] average copies per entry: %.2f\n", float64(total)/float64(demoFlags.Entries))
	}
	return nil
}
