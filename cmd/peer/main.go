// Command peer launches one leader-election/consensus peer process,
// joining the configured multicast group and running until terminated.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bergadano/quorumd/internal/config"
	"github.com/bergadano/quorumd/internal/consensus"
	"github.com/bergadano/quorumd/internal/controller"
	"github.com/bergadano/quorumd/internal/logging"
	"github.com/bergadano/quorumd/internal/transport"
)

func main() {
	var (
		id          int
		nodes       int
		group       string
		port        int
		profileName string
		configPath  string
		metricsAddr string
		debug       bool
	)

	root := &cobra.Command{
		Use:   "peer",
		Short: "Run one leader-election / majority-consensus peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id < 0 {
				return fmt.Errorf("--id must be nonnegative")
			}

			tunables, err := config.Profile(profileName, config.Default())
			if err != nil {
				return err
			}
			if configPath != "" {
				tunables, err = config.Load(configPath, tunables)
				if err != nil {
					return err
				}
			}
			if group != "" {
				tunables.MulticastGroup = group
			}
			if port != 0 {
				tunables.MulticastPort = port
			}

			log := logging.New(id, debug)
			log.WithField("nodes_hint", nodes).Info("starting peer")

			endpoint, err := transport.Dial(tunables.MulticastGroup, tunables.MulticastPort)
			if err != nil {
				return fmt.Errorf("dial transport: %w", err)
			}
			defer endpoint.Close()

			node := controller.New(id, tunables, endpoint, log, consensus.DefaultValueSupplier)

			if metricsAddr != "" {
				go func() {
					if err := node.ServeMetrics(metricsAddr); err != nil {
						log.WithError(err).Error("metrics server exited")
					}
				}()
			}

			errc := make(chan error, 1)
			go func() { errc <- node.Start() }()

			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errc:
				return err
			case sig := <-sigc:
				log.WithField("signal", sig).Info("shutting down")
				return nil
			}
		},
	}

	flags := root.Flags()
	flags.IntVar(&id, "id", -1, "this peer's PID (required, nonnegative)")
	flags.IntVar(&nodes, "nodes", 0, "informational hint of expected peer count; membership is discovered dynamically")
	flags.StringVar(&group, "group", "", "multicast group override")
	flags.IntVar(&port, "port", 0, "multicast port override")
	flags.StringVar(&profileName, "profile", "normal", "speed profile: slow, normal, fast")
	flags.StringVar(&configPath, "config", "", "path to a YAML tunables override file")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on, empty disables it")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	_ = root.MarkFlagRequired("id")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
