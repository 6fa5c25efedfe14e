// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"parallelscsi/pkg/api"
	"parallelscsi/pkg/cli"
	"parallelscsi/pkg/logger"
	"parallelscsi/pkg/metrics"
	"parallelscsi/pkg/parallel"
	"parallelscsi/pkg/simhba"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/utils/clock"
)
import _ "net/http/pprof"

const terminateTimeout = 10 * time.Second

func addServeCli(commands *cli.CommandList) {
	defaults := simhba.DefaultConfig()
	addSocketParameter(commands.AddCommand(
		CommandServe,
		"Run the simulated controller and serve the api.",
	)).AddParameterWithDefault(
		"-m",
		"max_tasks",
		"parallel tasks the adapter reports",
		"count",
		strconv.Itoa(defaults.MaxTasks),
	).AddParameterWithDefault(
		"-i",
		"highest_id",
		"highest target id on the bus",
		"id",
		strconv.Itoa(int(defaults.HighestTargetID)),
	).AddParameterWithDefault(
		"-n",
		"initiator_id",
		"bus id of the adapter itself",
		"id",
		strconv.Itoa(int(defaults.InitiatorID)),
	).AddParameterWithDefault(
		"-l",
		"latency",
		"delay before a command completes",
		"duration",
		defaults.Latency.String(),
	).AddParameterWithDefault(
		"-e",
		"enumerate",
		"start without devices, create them with adddevice",
		"bool",
		"false",
	).AddParameterWithDefault(
		"-b",
		"blocks",
		"medium size of each target in 512 byte blocks",
		"count",
		strconv.FormatUint(defaults.Blocks, 10),
	).AddParameterWithDefault(
		"-z",
		"null_medium",
		"targets read zeroes and discard writes instead of keeping data in memory",
		"bool",
		"false",
	).AddParameterWithDefault(
		"-v",
		"verbosity",
		"one of error, warning, info, debug",
		"level",
		"info",
	).AddParameterWithDefault(
		"-p",
		"pprof",
		"address to serve pprof on, empty disables it",
		"address",
		"",
	)
}

func serveConfig(command *cli.Command) (simhba.Config, error) {
	config := simhba.DefaultConfig()
	var err error
	if config.MaxTasks, err = command.GetIntParameter("max_tasks"); err != nil {
		return config, err
	}
	highestId, err := command.GetIntParameter("highest_id")
	if err != nil {
		return config, err
	}
	initiatorId, err := command.GetIntParameter("initiator_id")
	if err != nil {
		return config, err
	}
	config.HighestTargetID = parallel.TargetID(highestId)
	config.InitiatorID = parallel.TargetID(initiatorId)
	if config.Latency, err = command.GetDurationParameter("latency"); err != nil {
		return config, err
	}
	if config.Enumerate, err = command.GetBoolParameter("enumerate"); err != nil {
		return config, err
	}
	blocks, err := command.GetIntParameter("blocks")
	if err != nil {
		return config, err
	}
	if blocks <= 0 {
		return config, fmt.Errorf("block count must be positive, got %d", blocks)
	}
	config.Blocks = uint64(blocks)
	if config.NullMedium, err = command.GetBoolParameter("null_medium"); err != nil {
		return config, err
	}
	return config, nil
}

func serve(command *cli.Command) error {
	verbosity, err := command.GetParameter("verbosity")
	if err != nil {
		return err
	}
	level, err := logger.ParseLogLevel(verbosity)
	if err != nil {
		return err
	}
	logger.SetLoggingConfig(level)
	defer logger.Sync()
	log := logger.GetLogger()

	config, err := serveConfig(command)
	if err != nil {
		return err
	}
	socketPath, err := command.GetParameter("socket")
	if err != nil {
		return err
	}
	pprofAddress, err := command.GetParameter("pprof")
	if err != nil {
		return err
	}
	if pprofAddress != "" {
		go func() {
			err := http.ListenAndServe(pprofAddress, nil)
			log.Errorf("Error: %v", err)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter := simhba.New(config, clock.RealClock{})
	recorder := metrics.NewRecorder()
	controller := parallel.NewController(adapter, api.Completer(), parallel.WithMetrics(recorder))
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(registry, recorder, controller); err != nil {
		return err
	}

	// The work loop outlives ctx so that Terminate can still drain it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	if err := controller.Start(ctx); err != nil {
		return err
	}
	go controller.Run(loopCtx)
	defer func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
		defer cancel()
		if err := controller.Terminate(terminateCtx); err != nil {
			log.Error(err)
		}
	}()

	server := api.NewApiServer(api.NewApiHandler(controller, adapter), registry, socketPath)
	return server.Run(ctx)
}

func main() {
	client := NewClient()
	err := client.commands.Parse(os.Args)
	if err != nil {
		if helpCmd, ok := err.(*cli.ErrHelpPageRequested); ok {
			fmt.Println(helpCmd)
			os.Exit(0)
		}
		_, err := fmt.Fprintf(os.Stderr, "%s\n", err)
		if err != nil {
			panic(err)
		}
		os.Exit(1)
	}
	err = client.PerformCommand()
	if err != nil {
		_, err := fmt.Fprintln(os.Stderr, err)
		if err != nil {
			panic(err)
		}
		os.Exit(1)
	}
}
