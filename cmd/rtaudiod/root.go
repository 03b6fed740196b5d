// Command rtaudiod wires the server parameters and driver-specific flag
// sets of spec.md §6 into a cobra/viper command tree, the CLI/config
// stack tphakala-birdnet-go/cmd uses.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shaban/rtaudiod/driver"
	"github.com/shaban/rtaudiod/engine"
)

// ServerSettings holds the server parameters recognized by spec.md §6.
type ServerSettings struct {
	Realtime        bool
	RealtimePriority int
	Temporary       bool
	Name            string
	PortMax         uint
	ClientTimeoutMS int
	Sync            bool
	Verbose         bool
	ReplaceRegistry bool
	ClockSource     string
	SelfConnectMode string
}

// RootCommand builds the rtaudiod root command and its "dummy"/"netone"
// driver subcommands.
func RootCommand() *cobra.Command {
	settings := &ServerSettings{}

	rootCmd := &cobra.Command{
		Use:   "rtaudiod",
		Short: "low-latency audio server engine",
	}

	setupServerFlags(rootCmd, settings)

	rootCmd.AddCommand(dummyCommand(settings))
	rootCmd.AddCommand(netoneCommand(settings))

	return rootCmd
}

func setupServerFlags(cmd *cobra.Command, s *ServerSettings) {
	flags := cmd.PersistentFlags()
	flags.BoolVar(&s.Realtime, "realtime", viper.GetBool("realtime"), "Use realtime scheduling")
	flags.IntVar(&s.RealtimePriority, "realtime-priority", viper.GetInt("realtime-priority"), "Realtime scheduling priority")
	flags.BoolVar(&s.Temporary, "temporary", viper.GetBool("temporary"), "Exit when the last non-driver client closes")
	flags.StringVar(&s.Name, "name", viper.GetString("name"), "Server name")
	flags.UintVar(&s.PortMax, "port-max", 128, "Size of the client refnum table (the port count is not capped)")
	flags.IntVar(&s.ClientTimeoutMS, "client-timeout", 2000, "Client timeout in milliseconds")
	flags.BoolVar(&s.Sync, "sync", viper.GetBool("sync"), "Enable sync mode")
	flags.BoolVar(&s.Verbose, "verbose", viper.GetBool("verbose"), "Enable verbose logging")
	flags.BoolVar(&s.ReplaceRegistry, "replace-registry", viper.GetBool("replace-registry"), "Replace an existing server registration")
	flags.StringVar(&s.ClockSource, "clock-source", "system", "Clock source: system|hpet|cycle-counter")
	flags.StringVar(&s.SelfConnectMode, "self-connect-mode", "Allow", "Allow|FailExternalOnly|IgnoreExternalOnly|FailAll|IgnoreAll")

	_ = viper.BindPFlags(flags)
}

func selfConnectModeFromFlag(name string) (engine.SelfConnectMode, error) {
	switch name {
	case "Allow":
		return engine.Allow, nil
	case "FailExternalOnly":
		return engine.FailExternalOnly, nil
	case "IgnoreExternalOnly":
		return engine.IgnoreExternalOnly, nil
	case "FailAll":
		return engine.FailAll, nil
	case "IgnoreAll":
		return engine.IgnoreAll, nil
	default:
		return 0, fmt.Errorf("rtaudiod: unknown self-connect-mode %q", name)
	}
}

func newEngineFromSettings(s *ServerSettings, periodSize int, sampleRate float64, logger *slog.Logger) (*engine.Engine, error) {
	mode, err := selfConnectModeFromFlag(s.SelfConnectMode)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{
		PortMax:         int(s.PortMax),
		ClientTimeout:   time.Duration(s.ClientTimeoutMS) * time.Millisecond,
		SelfConnectMode: mode,
		Temporary:       s.Temporary,
		PeriodSize:      periodSize,
		SampleRate:      sampleRate,
		Realtime:        s.Realtime,
		Logger:          logger,
	}), nil
}

// dummyCommand builds the "dummy" subcommand and its driver-specific
// flag set (spec.md §6: capture/playback/rate/monitor/period/wait).
func dummyCommand(s *ServerSettings) *cobra.Command {
	var capture, playback, rate, period, wait uint
	var monitor bool

	cmd := &cobra.Command{
		Use:   "dummy",
		Short: "run with the timer-based dummy backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(s.Verbose)
			eng, err := newEngineFromSettings(s, int(period), float64(rate), logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			backend := driver.NewDummy(capture, playback, rate, monitor, period, wait)
			w, err := driver.NewWrapper(backend, eng, driver.OpenParams{
				Period:      int(period),
				SampleRate:  float64(rate),
				Capturing:   capture > 0,
				Playing:     playback > 0,
				InChannels:  int(capture),
				OutChannels: int(playback),
				Monitor:     monitor,
			})
			if err != nil {
				return err
			}

			logger.Info("dummy driver attached", "capture", capture, "playback", playback, "rate", rate, "period", period)
			return w.Run(func() time.Duration { return backend.WaitTime() })
		},
	}

	flags := cmd.Flags()
	flags.UintVarP(&capture, "capture", "C", 2, "Number of capture ports")
	flags.UintVarP(&playback, "playback", "P", 2, "Number of playback ports")
	flags.UintVarP(&rate, "rate", "r", 48000, "Sample rate")
	flags.BoolVarP(&monitor, "monitor", "m", false, "Copy capture to playback (no monitor ports are registered)")
	flags.UintVarP(&period, "period", "p", 1024, "Frames per period")
	flags.UintVarP(&wait, "wait", "w", 0, "Microseconds to wait between cycles; 0 derives from period/rate")

	return cmd
}

// netoneCommand builds the "netone" subcommand and its driver-specific
// flag set (spec.md §6: port/mtu/channel counts/transport_sync/mode).
func netoneCommand(s *ServerSettings) *cobra.Command {
	var port, mtu, audioIn, audioOut, midiIn, midiOut uint
	var transportSync bool
	var mode string

	cmd := &cobra.Command{
		Use:   "netone",
		Short: "run with the UDP netone backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(s.Verbose)
			eng, err := newEngineFromSettings(s, 1024, 48000, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			backend := driver.NewNetOne(int(port), int(mtu), int(audioIn), int(audioOut), int(midiIn), int(midiOut), transportSync, mode)
			w, err := driver.NewWrapper(backend, eng, driver.OpenParams{
				Period:      1024,
				SampleRate:  48000,
				Capturing:   audioIn > 0,
				Playing:     audioOut > 0,
				InChannels:  int(audioIn),
				OutChannels: int(audioOut),
			})
			if err != nil {
				return err
			}

			logger.Info("netone driver attached", "port", port, "mtu", mtu, "mode", mode)
			return w.Run(func() time.Duration { return 0 })
		},
	}

	flags := cmd.Flags()
	flags.UintVarP(&port, "port", "p", 19000, "UDP port")
	flags.UintVarP(&mtu, "mtu", "M", 1500, "MTU in bytes")
	flags.UintVar(&audioIn, "audio-in", 2, "Audio input channel count")
	flags.UintVar(&audioOut, "audio-out", 2, "Audio output channel count")
	flags.UintVar(&midiIn, "midi-in", 0, "MIDI input channel count")
	flags.UintVar(&midiOut, "midi-out", 0, "MIDI output channel count")
	flags.BoolVarP(&transportSync, "transport_sync", "t", false, "Synchronize transport state")
	flags.StringVarP(&mode, "mode", "m", "normal", "slow|normal|fast")

	return cmd
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
