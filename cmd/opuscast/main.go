// Command opuscast captures a local audio device (by default the system
// sink's monitor source), encodes it as Opus, and publishes each encoded
// frame as a MoQ group to a remote relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zsiec/opuscast/internal/bridge"
	"github.com/zsiec/opuscast/internal/capture"
	"github.com/zsiec/opuscast/internal/config"
	"github.com/zsiec/opuscast/internal/media"
	"github.com/zsiec/opuscast/internal/publish"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		v          = viper.New()
		configFile string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:           "opuscast",
		Short:         "Low-latency system audio streaming to a MoQ relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v, configFile, cmd.Flags().Changed("config"), verbose)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "config.yaml", "config file path")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	flags.StringP("relay-url", "r", config.DefaultRelayURL, "MoQ relay URL")
	flags.String("broadcast-path", config.DefaultBroadcastPath, "broadcast path to announce")
	flags.String("track-name", config.DefaultTrackName, "audio track name")
	flags.Bool("insecure", false, "skip TLS verification (self-signed relay certs)")
	flags.String("device", "", "capture source name (default: default sink's monitor)")
	flags.Int("sample-rate", config.DefaultSampleRate, "sample rate in Hz")
	flags.Int("channels", config.DefaultChannels, "channel count")
	flags.Int("bitrate", config.DefaultBitrate, "opus bitrate in bits/s")
	flags.String("application", config.DefaultApplication, "opus application (voip or audio)")
	flags.Int("complexity", config.DefaultComplexity, "opus complexity 0-10")
	flags.Int("frame-ms", config.DefaultFrameMS, "opus frame duration in ms")
	flags.Int("buffer-time", config.DefaultBufferTimeUS, "device buffer time in µs")
	flags.Int("latency-time", config.DefaultLatencyTimeUS, "device latency time in µs")

	bind := func(key, flag string) {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	bind("relay.url", "relay-url")
	bind("relay.broadcast_path", "broadcast-path")
	bind("relay.track_name", "track-name")
	bind("relay.insecure", "insecure")
	bind("pipeline.device", "device")
	bind("audio.sample_rate", "sample-rate")
	bind("audio.channels", "channels")
	bind("audio.bitrate", "bitrate")
	bind("audio.application", "application")
	bind("audio.complexity", "complexity")
	bind("audio.frame_ms", "frame-ms")
	bind("pipeline.buffer_time", "buffer-time")
	bind("pipeline.latency_time", "latency-time")

	cmd.AddCommand(newCompletionCmd(cmd))

	return cmd
}

func newCompletionCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate a shell completion script",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return root.GenBashCompletionV2(os.Stdout, true)
			case "zsh":
				return root.GenZshCompletion(os.Stdout)
			case "fish":
				return root.GenFishCompletion(os.Stdout, true)
			case "powershell":
				return root.GenPowerShellCompletionWithDesc(os.Stdout)
			default:
				return fmt.Errorf("unsupported shell %q", args[0])
			}
		},
	}
}

func run(ctx context.Context, v *viper.Viper, configFile string, fileRequired, verbose bool) error {
	level := slog.LevelInfo
	if verbose || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(v, configFile, fileRequired)
	if err != nil {
		slog.Error("configuration error", "error", err)
		return err
	}

	slog.Info("opuscast starting",
		"version", version,
		"relay", cfg.Relay.URL,
		"broadcast", cfg.Relay.BroadcastPath,
		"track", cfg.Relay.TrackName,
		"rate", cfg.Audio.SampleRate,
		"channels", cfg.Audio.Channels,
		"bitrate_kbps", cfg.Audio.Bitrate/1000,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher, err := publish.NewDriver(ctx, publish.Config{
		RelayURL:      cfg.Relay.URL,
		BroadcastPath: cfg.Relay.BroadcastPath,
		TrackName:     cfg.Relay.TrackName,
		Insecure:      cfg.Relay.Insecure,
	})
	if err != nil {
		slog.Error("relay setup failed", "relay", cfg.Relay.URL, "error", err)
		return err
	}

	capturer := capture.NewDriver(capture.Config{
		Device:        cfg.Pipeline.Device,
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
		Bitrate:       cfg.Audio.Bitrate,
		Application:   cfg.Audio.Application,
		Complexity:    cfg.Audio.Complexity,
		FrameMS:       cfg.Audio.FrameMS,
		BufferTimeUS:  cfg.Pipeline.BufferTimeUS,
		LatencyTimeUS: cfg.Pipeline.LatencyTimeUS,
	}, nil)

	q := media.NewFrameQueue(cfg.Pipeline.QueueCapacity)

	if err := bridge.Run(ctx, q, capturer, publisher); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("shutdown complete")
			return nil
		}
		slog.Error("run failed", "error", err)
		return err
	}

	slog.Info("run finished")
	return nil
}
