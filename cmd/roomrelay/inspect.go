package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hackrtc/roomrelay/internal/recorder"
)

func newInspectCmd() *cobra.Command {
	var packets int
	cmd := &cobra.Command{
		Use:   "inspect <capture-file>",
		Short: "Summarize a recording capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			capture, err := recorder.ReadCapture(bufio.NewReader(f))
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			renderCapture(cmd.OutOrStdout(), capture, packets)
			return nil
		},
	}
	cmd.Flags().IntVar(&packets, "packets", 0, "Also list the first N packets")
	return cmd
}

type trackStats struct {
	packets int
	bytes   int
	last    time.Duration
}

func renderCapture(w io.Writer, c *recorder.Capture, packetLimit int) {
	stats := make(map[uint32]*trackStats, len(c.Tracks))
	for _, tr := range c.Tracks {
		stats[tr.Index] = &trackStats{}
	}
	var span time.Duration
	for _, p := range c.Packets {
		st := stats[p.Track]
		st.packets++
		st.bytes += len(p.Packet.Payload)
		st.last = p.Offset
		span = max(span, p.Offset)
	}

	summary := newTable(w)
	summary.AppendHeader(table.Row{"Field", "Value"})
	summary.AppendRows([]table.Row{
		{"Room", c.RoomID},
		{"Started", c.StartedAt.UTC().Format(time.RFC3339)},
		{"Format version", c.Version},
		{"Tracks", len(c.Tracks)},
		{"Packets", len(c.Packets)},
		{"Span", span.Round(time.Millisecond)},
	})
	summary.Render()

	if len(c.Tracks) > 0 {
		fmt.Fprintln(w)
		tracks := newTable(w)
		tracks.AppendHeader(table.Row{"#", "Kind", "Codec", "Clock", "Ch", "PT", "SSRC", "Peer conn", "Packets", "Payload bytes", "Last"})
		for _, tr := range c.Tracks {
			st := stats[tr.Index]
			tracks.AppendRow(table.Row{
				tr.Index, tr.Kind, tr.MimeType, tr.ClockRate, tr.Channels, tr.PayloadType,
				fmt.Sprintf("%08x", tr.SSRC), tr.PeerConnID, st.packets, st.bytes, st.last.Round(time.Millisecond),
			})
		}
		tracks.Render()
	}

	if packetLimit > 0 && len(c.Packets) > 0 {
		fmt.Fprintln(w)
		pkts := newTable(w)
		pkts.AppendHeader(table.Row{"Track", "Offset", "Seq", "Timestamp", "Marker", "Payload"})
		for _, p := range c.Packets[:min(packetLimit, len(c.Packets))] {
			pkts.AppendRow(table.Row{
				p.Track, p.Offset, p.Packet.SequenceNumber, p.Packet.Timestamp, p.Packet.Marker, len(p.Packet.Payload),
			})
		}
		pkts.Render()
	}
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}
