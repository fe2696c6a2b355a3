// sidescreend turns this machine into a wireless secondary display for an
// Android tablet: it creates a virtual monitor, captures it, encodes
// low-latency H.265 and streams it over TCP, injecting the client's touch
// gestures back as mouse input.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sidescreen/internal/config"
	"sidescreen/internal/settings"
	"sidescreen/internal/supervisor"
)

var (
	flagConfig  string
	flagPort    int
	flagFPS     int
	flagBitrate int
	flagNoTouch bool
)

func main() {
	root := &cobra.Command{
		Use:          config.AppName,
		Short:        "Stream a virtual display to an Android tablet over USB or LAN",
		Version:      config.AppVersion,
		SilenceUsage: true,
		RunE:         runDaemon,
	}

	root.Flags().StringVar(&flagConfig, "config", "", "config file (default "+settings.DefaultPath()+")")
	root.Flags().IntVar(&flagPort, "port", 0, "TCP port to listen on (overrides config)")
	root.Flags().IntVar(&flagFPS, "fps", 0, "capture refresh rate (overrides config)")
	root.Flags().IntVar(&flagBitrate, "bitrate", 0, "target bitrate in Mbps (overrides config)")
	root.Flags().BoolVar(&flagNoTouch, "no-touch", false, "ignore client touch input")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	store := settings.NewStore(flagConfig)
	sup, err := supervisor.New(store)
	if err != nil {
		return err
	}

	err = sup.Override(func(s *settings.Settings) {
		if flagPort != 0 {
			s.Port = flagPort
		}
		if flagFPS != 0 {
			s.RefreshRate = flagFPS
		}
		if flagBitrate != 0 {
			s.BitrateMbps = flagBitrate
		}
		if flagNoTouch {
			s.TouchEnabled = false
		}
	})
	if err != nil {
		return err
	}

	if err := sup.Start(); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %s, shutting down...", sig)

	sup.Stop()
	return nil
}
