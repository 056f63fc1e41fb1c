// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/bagwarmer/pkg/api"
	"github.com/Thermoquad/bagwarmer/pkg/control"
	"github.com/Thermoquad/bagwarmer/pkg/datalog"
	"github.com/Thermoquad/bagwarmer/pkg/mqttbridge"
)

var (
	runSetpoint float64
	runStart    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the warmer controller without a terminal UI",
	Long: `Run the control loop headless.

The operator interacts through the front-panel buttons, the MQTT command
topics (mqtt.remote_control) or --start. Optional outputs:
  - HTTP status endpoint (http.listen): GET /state, GET /healthz
  - MQTT telemetry (mqtt.broker): <prefix>/state, <prefix>/event
  - Temperature log (datalog.path)
  - Exchange capture (capture.path)

Exits non-zero if the device connection is lost.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Float64Var(&runSetpoint, "setpoint", 0, "Initial setpoint in °C (default from config)")
	runCmd.Flags().BoolVar(&runStart, "start", false, "Start warming immediately")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []control.Option
	if cfg.Datalog.Path != "" {
		dl, err := datalog.Open(cfg.Datalog.Path)
		if err != nil {
			return err
		}
		defer dl.Close()
		opts = append(opts, control.WithRecorder(dl))
	}

	st, err := openStation(opts...)
	if err != nil {
		return err
	}
	defer st.Close()

	log.Info().Str("connection", st.info).Msg("Controller starting")

	if cfg.HTTP.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           api.NewRouter(st.ctrl),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("listen", cfg.HTTP.Listen).Msg("HTTP server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		log.Info().Str("listen", cfg.HTTP.Listen).Msg("HTTP status endpoint enabled")
	}

	if m := cfg.MQTT; m.Broker != "" {
		sub := st.ctrl.Subscribe(control.DefaultEventBuffer)
		bridge := mqttbridge.New(nil, st.ctrl, mqttbridge.Options{
			TopicPrefix:   m.TopicPrefix,
			RemoteControl: m.RemoteControl,
		})
		mqttOpts := mqttbridge.ClientOptions(m.Broker, m.Username, m.Password)
		// Configure subscriptions in the OnConnect handler so they are restored after reconnect
		mqttOpts.SetOnConnectHandler(bridge.OnConnect)
		client := mqtt.NewClient(mqttOpts)
		bridge.SetClient(client)

		if err := mqttbridge.Connect(client); err != nil {
			log.Error().Err(err).Msg("MQTT unavailable, continuing without telemetry")
			sub.Close()
		} else {
			defer client.Disconnect(250)
			go bridge.Run(ctx, sub)
		}
	}

	if cmd.Flags().Changed("setpoint") {
		if err := st.ctrl.SetTarget(runSetpoint); err != nil {
			return err
		}
	}
	if runStart {
		if err := st.ctrl.RequestStart(); err != nil {
			return err
		}
	}

	events := st.ctrl.Subscribe(control.DefaultEventBuffer)
	go logEvents(ctx, events)

	return st.ctrl.Run(ctx)
}

// logEvents writes operator notifications to the log
func logEvents(ctx context.Context, sub *control.Subscription) {
	snapshots, events := sub.Snapshots(), sub.Events()
	for events != nil {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-snapshots:
			if !ok {
				snapshots = nil
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			entry := log.Info()
			switch ev.Kind {
			case control.EventSafetyWarning:
				entry = log.Warn()
			case control.EventFatalFault:
				entry = log.Error().Str("fault", ev.Fault.String())
			}
			entry.Str("event", ev.Kind.String()).Str("phase", ev.Phase.String()).Msg(ev.Message)
		}
	}
}
