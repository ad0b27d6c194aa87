package cmd

import (
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flora-lorawan/flora-network-server/internal/backend"
	appmqtt "github.com/flora-lorawan/flora-network-server/internal/backend/application/mqtt"
	gwmqtt "github.com/flora-lorawan/flora-network-server/internal/backend/gateway/mqtt"
	"github.com/flora-lorawan/flora-network-server/internal/band"
	"github.com/flora-lorawan/flora-network-server/internal/config"
	"github.com/flora-lorawan/flora-network-server/internal/deferqueue"
	"github.com/flora-lorawan/flora-network-server/internal/device"
	"github.com/flora-lorawan/flora-network-server/internal/monitoring"
	"github.com/flora-lorawan/flora-network-server/internal/storage"
	"github.com/flora-lorawan/flora-network-server/internal/uplink"
)

type runState struct {
	queue       *deferqueue.Queue
	gateway     backend.Gateway
	application backend.Application
	server      *uplink.Server
}

func run(cmd *cobra.Command, args []string) error {
	var state runState

	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			return errors.Wrap(err, "could not create cpu profile file")
		}
		defer f.Close()

		if err := pprof.StartCPUProfile(f); err != nil {
			return errors.Wrap(err, "could not start cpu profile")
		}
		defer pprof.StopCPUProfile()
	}

	tasks := []func() error{
		setLogLevel,
		setSyslog,
		printStartMessage,
		setupStorage,
		setupDeferQueue(&state),
		setupMonitoring(&state),
		setGatewayBackend(&state),
		setApplicationBackend(&state),
		startUplinkServer(&state),
	}

	for _, t := range tasks {
		if err := t(); err != nil {
			log.Fatal(err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	exitChan := make(chan struct{})
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.WithField("signal", <-sigChan).Info("signal received")
	go func() {
		log.Warning("stopping flora-network-server")
		if err := state.server.Stop(); err != nil {
			log.Fatal(err)
		}
		// expired timeouts still publish to the application backend
		state.queue.Stop()
		if err := state.application.Close(); err != nil {
			log.Fatal(err)
		}
		exitChan <- struct{}{}
	}()
	select {
	case <-exitChan:
	case s := <-sigChan:
		log.WithField("signal", s).Info("signal received, stopping immediately")
	}

	return nil
}

func setLogLevel() error {
	log.SetLevel(log.Level(uint8(config.C.General.LogLevel)))
	return nil
}

func printStartMessage() error {
	log.WithFields(log.Fields{
		"version": version,
		"net_id":  config.C.NetworkServer.NetID.String(),
		"regions": band.DefaultRegistry().Names(),
	}).Info("starting Flora Network Server")
	return nil
}

func setupMonitoring(s *runState) func() error {
	return func() error {
		pending := monitoring.PendingCheck(s.queue.Len, config.C.Monitoring.MaxPendingUplinks)
		if err := monitoring.Setup(config.C, pending); err != nil {
			return errors.Wrap(err, "setup monitoring error")
		}
		return nil
	}
}

func setupStorage() error {
	if err := storage.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup storage error")
	}
	return nil
}

func setupDeferQueue(s *runState) func() error {
	return func() error {
		c := config.C.NetworkServer.DeferQueue
		if c.QueueDepth == 0 || c.Workers == 0 {
			c = deferqueue.DefaultConfig
		}

		s.queue = deferqueue.New(c)
		s.queue.Start()
		return nil
	}
}

func setGatewayBackend(s *runState) func() error {
	return func() error {
		var err error

		switch config.C.NetworkServer.Gateway.Backend.Type {
		case "mqtt":
			s.gateway, err = gwmqtt.NewBackend(config.C.NetworkServer.Gateway.Backend.MQTT)
		default:
			return errors.Errorf("unexpected gateway backend type: %s", config.C.NetworkServer.Gateway.Backend.Type)
		}

		if err != nil {
			return errors.Wrap(err, "gateway-backend setup failed")
		}
		return nil
	}
}

func setApplicationBackend(s *runState) func() error {
	return func() error {
		var err error

		switch config.C.Application.Backend.Type {
		case "mqtt":
			s.application, err = appmqtt.NewBackend(config.C.Application.Backend.MQTT)
		default:
			return errors.Errorf("unexpected application backend type: %s", config.C.Application.Backend.Type)
		}

		if err != nil {
			return errors.Wrap(err, "application-backend setup failed")
		}
		return nil
	}
}

func startUplinkServer(s *runState) func() error {
	return func() error {
		conf := device.NewSessionConfig(config.C, band.DefaultRegistry(), s.queue)
		s.server = uplink.NewServer(s.gateway, s.application, conf)
		return s.server.Start()
	}
}
