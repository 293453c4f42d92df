package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/tsdemux/internal/config"
	"github.com/jmylchreest/tsdemux/internal/observability"
	"github.com/jmylchreest/tsdemux/internal/pipeline"
	"github.com/jmylchreest/tsdemux/internal/segment"
	"github.com/jmylchreest/tsdemux/internal/sink"
	"github.com/jmylchreest/tsdemux/internal/timebase"
	"github.com/jmylchreest/tsdemux/pkg/format"
)

var demuxCmd = &cobra.Command{
	Use:   "demux <input>",
	Short: "Split a transport stream into per-channel files",
	Long: `Demultiplex a transport stream and write every surfaced stream to
<output>/<channel>.<ext>, e.g. video_0.h264, audio_0.aac, metadata_0.id3.

Use "-" to read standard input. --seek and --stop select a time range and
require a plain file input.`,
	Args: cobra.ExactArgs(1),
	RunE: runDemux,
}

func init() {
	rootCmd.AddCommand(demuxCmd)
	addDemuxFlags(demuxCmd.Flags())
}

func addDemuxFlags(flags *pflag.FlagSet) {
	flags.StringP("output", "o", "", "output directory (default from output.dir)")
	flags.Duration("seek", 0, "start position")
	flags.Duration("stop", 0, "stop position")
	flags.Bool("key-unit", false, "snap the start position to the previous keyframe")
	flags.Bool("segment", false, "finish with segment-done instead of end-of-stream")
	flags.Bool("no-summary", false, "do not write summary.json")
}

// demuxRequest describes one demux run.
type demuxRequest struct {
	Input     string
	OutputDir string
	// Start and Stop are timebase.None when unset.
	Start   time.Duration
	Stop    time.Duration
	KeyUnit bool
	Segment bool
	Summary bool
}

func (r demuxRequest) seeking() bool {
	return timebase.IsValid(r.Start) || timebase.IsValid(r.Stop) || r.Segment
}

func (r demuxRequest) seekRequest() pipeline.SeekRequest {
	req := pipeline.SeekRequest{
		Rate:      1.0,
		StartType: segment.SeekTypeNone,
		Start:     timebase.None,
		StopType:  segment.SeekTypeNone,
		Stop:      timebase.None,
	}
	if timebase.IsValid(r.Start) {
		req.StartType = segment.SeekTypeSet
		req.Start = r.Start
	}
	if timebase.IsValid(r.Stop) {
		req.StopType = segment.SeekTypeSet
		req.Stop = r.Stop
	}
	if r.KeyUnit {
		req.Flags |= segment.SeekFlagKeyUnit
	}
	if r.Segment {
		req.Flags |= segment.SeekFlagSegment
	}
	return req
}

// demuxResult reports what a run produced.
type demuxResult struct {
	Channels []sink.ChannelSummary
	Duration time.Duration
	Mode     pipeline.Mode
	Elapsed  time.Duration
}

func runDemux(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req, err := demuxRequestFromFlags(cmd.Flags(), cfg, args[0])
	if err != nil {
		return err
	}

	runID := observability.NewRunID()
	log := observability.WithRunID(observability.WithOperation(logger, "demux"), runID)
	ctx = observability.ContextWithLogger(observability.ContextWithRunID(ctx, runID), log)

	done := observability.TimedOperationWithError(ctx, log, "demux", &err)
	defer done()

	res, err := demuxFile(ctx, cfg, req)
	if err != nil {
		return err
	}
	printDemuxResult(cmd.OutOrStdout(), req, res)
	return nil
}

// demuxRequestFromFlags builds a request from the demux flags, falling back
// to c for anything not set on the command line.
func demuxRequestFromFlags(flags *pflag.FlagSet, c *config.Config, path string) (demuxRequest, error) {
	req := demuxRequest{
		Input:     path,
		OutputDir: c.Output.Dir,
		Start:     timebase.None,
		Stop:      timebase.None,
		Summary:   c.Output.Summary,
	}
	if out, _ := flags.GetString("output"); out != "" {
		req.OutputDir = out
	}
	for name, dst := range map[string]*time.Duration{"seek": &req.Start, "stop": &req.Stop} {
		if !flags.Changed(name) {
			continue
		}
		v, _ := flags.GetDuration(name)
		if v < 0 {
			return req, fmt.Errorf("--%s must not be negative", name)
		}
		*dst = v
	}
	if timebase.IsValid(req.Start) && timebase.IsValid(req.Stop) && req.Stop < req.Start {
		return req, fmt.Errorf("--stop must not be before --seek")
	}
	req.KeyUnit, _ = flags.GetBool("key-unit")
	req.Segment, _ = flags.GetBool("segment")
	if noSummary, _ := flags.GetBool("no-summary"); noSummary {
		req.Summary = false
	}
	return req, nil
}

// demuxFile runs req to completion. The logger is taken from ctx.
func demuxFile(ctx context.Context, c *config.Config, req demuxRequest) (*demuxResult, error) {
	log := observability.LoggerFromContext(ctx)

	fs, err := sink.NewFileSinkWithLogger(req.OutputDir, log)
	if err != nil {
		return nil, fmt.Errorf("creating output: %w", err)
	}
	defer fs.Close()

	s, err := newSession(c, req.Input, fs.Link, log)
	if err != nil {
		return nil, err
	}
	defer s.close()

	if req.seeking() {
		if !s.seekable() {
			return nil, fmt.Errorf("%w: %s", ErrNotSeekable, req.Input)
		}
		if !s.el.Seek(req.seekRequest()) {
			return nil, fmt.Errorf("seek to %s rejected", format.Timestamp(req.Start))
		}
	}

	res := &demuxResult{Duration: timebase.None}
	start := time.Now()
	err = s.run(ctx, func(m pipeline.Message) bool {
		switch m.Type {
		case pipeline.MessageStreamsReady:
			res.Mode = s.el.Mode()
			res.Duration, _ = s.el.QueryDuration("")
			log.Info("streams ready",
				slog.String("input", req.Input),
				slog.String("mode", res.Mode.String()),
				slog.String("duration", format.Timestamp(res.Duration)),
			)
		case pipeline.MessageSegmentStart:
			log.Debug("segment started", slog.String("position", format.Timestamp(m.Position)))
		case pipeline.MessageSegmentDone, pipeline.MessageEOS:
			return true
		}
		return false
	})
	res.Elapsed = time.Since(start)
	if err != nil {
		return nil, err
	}

	if err := fs.Close(); err != nil {
		return nil, fmt.Errorf("closing output: %w", err)
	}
	res.Channels = fs.Summary()
	if req.Summary {
		if err := fs.WriteSummary(); err != nil {
			return nil, fmt.Errorf("writing summary: %w", err)
		}
	}

	log.Info("demux finished",
		slog.Int("channels", len(res.Channels)),
		slog.String("input_bytes", format.Bytes(s.in.Produced())),
		slog.String("output", fs.Dir()),
	)
	return res, nil
}

// printDemuxResult writes a table of the channels a run wrote.
func printDemuxResult(w io.Writer, req demuxRequest, res *demuxResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tFILE\tPACKETS\tSIZE\tKEYFRAMES\tFIRST\tLAST\tBITRATE\tEND")
	for _, ch := range res.Channels {
		span := time.Duration(0)
		if timebase.IsValid(ch.First) && timebase.IsValid(ch.Last) {
			span = ch.Last - ch.First
		}
		end := "-"
		switch {
		case ch.SegmentDone:
			end = "segment-done"
		case ch.EOS:
			end = "eos"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ch.Channel,
			ch.File,
			format.Number(int64(ch.Packets)),
			format.Bytes(int64(ch.Bytes)),
			format.Number(int64(ch.Keyframes)),
			format.Timestamp(ch.First),
			format.Timestamp(ch.Last),
			format.Bitrate(int64(ch.Bytes), span),
			end,
		)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\n%d channels from %s (%s mode, duration %s) in %s\n",
		len(res.Channels), req.Input, res.Mode, format.Timestamp(res.Duration), res.Elapsed.Round(time.Millisecond))
}
