package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/gobwas/glob"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xlb-project/xlb/balancer"
	"github.com/xlb-project/xlb/common/go/xcmd"
)

////////////////////////////////////////////////////////////////////////////////

var (
	pcapPath      string
	statsFilter   string
	monitorPrefix string
	watch         bool
	watchInterval time.Duration
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Feed a pcap through the full lookup path and report counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd.Context())
	},
}

func init() {
	replayCmd.Flags().StringVarP(&pcapPath, "pcap", "r",
		"", "path to the pcap file to replay (required)")
	replayCmd.Flags().StringVar(&statsFilter, "stats", "*",
		"glob over counter names to print, e.g. 'vip.*' or 'lru*'")
	replayCmd.Flags().StringVar(&monitorPrefix, "monitor-prefix", "",
		"when set, dump captured monitor events to <prefix>_event_<id>.pcap")
	replayCmd.Flags().BoolVar(&watch, "watch", false,
		"keep printing counters periodically after the replay until interrupted")
	replayCmd.Flags().DurationVar(&watchInterval, "watch-interval", 5*time.Second,
		"counter print period in watch mode")
	_ = replayCmd.MarkFlagRequired("pcap")
}

func runReplay(ctx context.Context) error {
	lb, log, err := setup(configPath, provisionPath)
	if err != nil {
		return err
	}
	defer lb.Close()

	filter, err := glob.Compile(statsFilter)
	if err != nil {
		return fmt.Errorf("invalid stats filter %q: %w", statsFilter, err)
	}

	if err := replayFile(lb, log); err != nil {
		return err
	}

	printStats(lb, filter)

	if monitorPrefix != "" {
		if err := dumpMonitorEvents(lb, log); err != nil {
			return err
		}
	}

	if !watch {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				printStats(lb, filter)
			}
		}
	})
	g.Go(func() error {
		return xcmd.WaitInterrupted(ctx)
	})

	if err := g.Wait(); err != nil && !xcmd.IsInterrupted(err) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func replayFile(lb *balancer.Balancer, log *zap.SugaredLogger) error {
	f, err := os.Open(pcapPath)
	if err != nil {
		return fmt.Errorf("failed to open pcap: %w", err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read pcap header: %w", err)
	}

	var resolved, unresolved, invalid uint64
	for {
		data, _, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}

		sample, err := balancer.FlowFromPacket(data)
		if err != nil {
			invalid++
			continue
		}

		if _, err := lb.Lookup(0, sample); err != nil {
			unresolved++
			continue
		}
		resolved++
	}

	log.Infow("replay finished",
		"resolved", resolved,
		"unresolved", unresolved,
		"invalid", invalid,
	)
	return nil
}

func printStats(lb *balancer.Balancer, filter glob.Glob) {
	snapshot := lb.StatsSnapshot()

	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		if filter.Match(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		s := snapshot[name]
		fmt.Printf("%-40s %12d %12d\n", name, s.V1, s.V2)
	}
}

// dumpMonitorEvents drains every event class into its own pcap so the
// captured packets can be inspected with standard tooling.
func dumpMonitorEvents(lb *balancer.Balancer, log *zap.SugaredLogger) error {
	for _, event := range balancer.EventIDs() {
		events := lb.DrainEvent(event)
		if len(events) == 0 {
			continue
		}

		path := fmt.Sprintf("%s_event_%s.pcap", monitorPrefix, event)
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}

		writer := pcapgo.NewWriter(f)
		stats := lb.GetMonitorStats()
		if err := writer.WriteFileHeader(uint32(stats.SnapLen), layers.LinkTypeEthernet); err != nil {
			f.Close()
			return fmt.Errorf("failed to write pcap header: %w", err)
		}
		for _, ev := range events {
			ci := gopacket.CaptureInfo{
				Timestamp:     ev.Timestamp,
				CaptureLength: len(ev.Payload),
				Length:        len(ev.Payload),
			}
			if err := writer.WritePacket(ci, ev.Payload); err != nil {
				f.Close()
				return fmt.Errorf("failed to write packet: %w", err)
			}
		}
		if err := f.Close(); err != nil {
			return err
		}
		log.Infow("dumped monitor events", "event", event.String(), "count", len(events), "path", path)
	}
	return nil
}
