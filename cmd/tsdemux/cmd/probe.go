package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tsdemux/internal/config"
	"github.com/jmylchreest/tsdemux/internal/demux"
	"github.com/jmylchreest/tsdemux/internal/observability"
	"github.com/jmylchreest/tsdemux/internal/pipeline"
	"github.com/jmylchreest/tsdemux/internal/router"
	"github.com/jmylchreest/tsdemux/internal/timebase"
	"github.com/jmylchreest/tsdemux/pkg/format"
)

var probeJSON bool

var probeCmd = &cobra.Command{
	Use:   "probe <input>",
	Short: "Describe the streams of a transport stream",
	Long: `Probe a transport stream and print the streams tsdemux would surface,
with their codec, caps and first timestamp. Reading stops once every
channel produced a packet.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := observability.WithOperation(logger, "probe")
		ctx = observability.ContextWithLogger(ctx, log)
		done := observability.TimedOperationWithError(ctx, log, "probe", &err)
		defer done()

		res, err := probeFile(ctx, cfg, args[0])
		if err != nil {
			return err
		}
		if probeJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		printProbeResult(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(probeCmd)
}

// probeStream describes one surfaced stream.
type probeStream struct {
	Channel  string            `json:"channel"`
	PID      uint16            `json:"pid"`
	Kind     string            `json:"kind"`
	Codec    string            `json:"codec"`
	Caps     string            `json:"caps"`
	Active   bool              `json:"active"`
	Duration time.Duration     `json:"duration_ns"`
	First    time.Duration     `json:"first_pts_ns"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// probeResult describes a probed input.
type probeResult struct {
	Input       string        `json:"input"`
	Compression string        `json:"compression"`
	Mode        string        `json:"mode"`
	Seekable    bool          `json:"seekable"`
	Duration    time.Duration `json:"duration_ns"`
	Streams     []probeStream `json:"streams"`
}

// probeConsumer records what each channel announces and ends a channel
// after its first packet.
type probeConsumer struct {
	mu      sync.Mutex
	streams map[string]*probeStream
	order   []string
}

func newProbeConsumer() *probeConsumer {
	return &probeConsumer{streams: make(map[string]*probeStream)}
}

func (c *probeConsumer) link(ch *router.Channel) {
	ch.Link(c)
}

func (c *probeConsumer) get(ch *router.Channel) *probeStream {
	ps, ok := c.streams[ch.Name()]
	if !ok {
		ps = &probeStream{Channel: ch.Name(), Duration: timebase.None, First: timebase.None}
		if d := ch.Descriptor(); d != nil {
			ps.PID = d.PID
			ps.Kind = d.Kind.String()
			ps.Codec = string(d.Codec)
			ps.Caps = d.Caps.String()
			ps.Active = d.Active
		}
		c.streams[ch.Name()] = ps
		c.order = append(c.order, ch.Name())
	}
	return ps
}

// HandleEvent implements router.Consumer.
func (c *probeConsumer) HandleEvent(ch *router.Channel, ev router.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.get(ch)
	switch ev.Type {
	case router.EventCaps:
		ps.Caps = ev.Caps.String()
	case router.EventTag:
		if ps.Tags == nil {
			ps.Tags = make(map[string]string)
		}
		maps.Copy(ps.Tags, ev.Tags)
	}
	return true
}

// HandlePacket implements router.Consumer.
func (c *probeConsumer) HandlePacket(ch *router.Channel, p *demux.Packet) router.FlowReturn {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.get(ch)
	if !timebase.IsValid(ps.First) {
		ps.First = p.PTS
	}
	return router.FlowEOS
}

func (c *probeConsumer) result() []probeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]probeStream, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, *c.streams[name])
	}
	return out
}

// probeFile reads path until every channel produced a packet.
func probeFile(ctx context.Context, c *config.Config, path string) (*probeResult, error) {
	log := observability.LoggerFromContext(ctx)
	pc := newProbeConsumer()

	s, err := newSession(c, path, pc.link, log)
	if err != nil {
		return nil, err
	}
	defer s.close()

	res := &probeResult{
		Input:       path,
		Compression: s.in.Compression().String(),
		Duration:    timebase.None,
	}
	durations := make(map[string]time.Duration)

	err = s.run(ctx, func(m pipeline.Message) bool {
		switch m.Type {
		case pipeline.MessageStreamsReady:
			res.Mode = s.el.Mode().String()
			res.Seekable, _, _ = s.el.QuerySeeking()
			res.Duration, _ = s.el.QueryDuration("")
			for _, ch := range s.el.Router().Channels() {
				if d, ok := s.el.QueryDuration(ch.Name()); ok {
					durations[ch.Name()] = d
				}
			}
		case pipeline.MessageEOS, pipeline.MessageSegmentDone:
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	res.Streams = pc.result()
	for i := range res.Streams {
		if d, ok := durations[res.Streams[i].Channel]; ok {
			res.Streams[i].Duration = d
		}
	}
	return res, nil
}

// printProbeResult writes res as a human-readable report.
func printProbeResult(w io.Writer, res *probeResult) {
	fmt.Fprintf(w, "Input:       %s\n", res.Input)
	fmt.Fprintf(w, "Compression: %s\n", res.Compression)
	fmt.Fprintf(w, "Mode:        %s\n", res.Mode)
	fmt.Fprintf(w, "Seekable:    %t\n", res.Seekable)
	fmt.Fprintf(w, "Duration:    %s\n\n", format.Timestamp(res.Duration))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tPID\tCODEC\tACTIVE\tFIRST\tDURATION\tCAPS\tTAGS")
	for _, st := range res.Streams {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%t\t%s\t%s\t%s\t%s\n",
			st.Channel, st.PID, st.Codec, st.Active,
			format.Timestamp(st.First), format.Timestamp(st.Duration),
			st.Caps, formatTags(st.Tags))
	}
	_ = tw.Flush()
}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}
