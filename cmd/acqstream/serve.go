package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/norasector/acqstream/pkg/acqstream"
	"github.com/norasector/acqstream/pkg/acqstream/config"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the command and data servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cfgPath != "" {
				var err error
				if cfg, err = config.Load(cfgPath); err != nil {
					return err
				}
			}
			log.Logger = log.Logger.Level(cfg.Level())

			regs, err := cfg.Registrations()
			if err != nil {
				return err
			}

			options := []acqstream.ServerOption{acqstream.WithLogger(log.Logger)}
			if cfg.InfluxDB.Host != "" {
				influxClient := influxdb2.NewClient(cfg.InfluxDB.Host, cfg.InfluxDB.Token)
				defer influxClient.Close()
				options = append(options, acqstream.WithInfluxDB(influxClient.WriteAPI(cfg.InfluxDB.Organization, cfg.InfluxDB.Bucket)))
			}
			if addr := cfg.MonitorAddr(); addr != "" {
				options = append(options, acqstream.WithMonitor(addr))
			}

			srv, err := acqstream.NewServer(cfg.ServerOptions(), regs, options...)
			if err != nil {
				return err
			}
			return srv.Start(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "YAML config file (default: one synthetic simulator)")
	return cmd
}
