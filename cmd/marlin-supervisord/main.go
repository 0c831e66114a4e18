// Copyright © Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davepacheco/manta-marlin/common"
	"github.com/davepacheco/manta-marlin/introspection"
	"github.com/davepacheco/manta-marlin/mds"
	"github.com/davepacheco/manta-marlin/metrics"
	"github.com/davepacheco/manta-marlin/supervisor"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands:
// run a supervisor process until signaled to stop.
var rootCmd = &cobra.Command{
	Use:   "marlin-supervisord",
	Short: "Run a Marlin job supervisor",
	Long:  "marlin-supervisord owns a subset of Marlin jobs, driving each one's lifecycle against the metadata store until it completes or ownership is lost.",
	RunE:  runSupervisor,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./marlin-supervisord.yaml)")
	rootCmd.PersistentFlags().String("uuid", "", "supervisor identity (default: a freshly generated uuid)")
	rootCmd.PersistentFlags().String("consul-address", "", "Consul HTTP address")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")

	_ = viper.BindPFlag("uuid", rootCmd.PersistentFlags().Lookup("uuid"))
	_ = viper.BindPFlag("consul.address", rootCmd.PersistentFlags().Lookup("consul-address"))
	_ = viper.BindPFlag("logLevel", rootCmd.PersistentFlags().Lookup("log-level"))
}

func loadConfig() (common.Config, error) {
	cfg := common.DefaultConfig()

	viper.SetConfigName("marlin-supervisord")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	viper.SetEnvPrefix("MARLIN")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.UUID == "" {
		cfg.UUID = uuid.New().String()
	}
	return cfg, nil
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := hclog.LevelFromString(cfg.LogLevel)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	log := common.NewLogger("marlin-supervisord", level)

	client, err := api.NewClient(&api.Config{
		Address:    cfg.Consul.Address,
		Token:      cfg.Consul.Token,
		Datacenter: cfg.Consul.Datacenter,
	})
	if err != nil {
		return fmt.Errorf("consul client: %w", err)
	}

	gw := mds.NewConsulGateway(client, cfg.JobsBucket, cfg.TaskGroupsBucket, cfg.LocationsPrefix)
	m, metricsHandler := metrics.New()
	sup := supervisor.New(cfg, gw, log, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	introspectSrv := &http.Server{Addr: cfg.HTTP.IntrospectAddr, Handler: introspection.NewRouter(sup)}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsHandler)
	metricsSrv := &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: metricsMux}

	go func() {
		if err := introspectSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Log(hclog.Error, "introspection server stopped", "error", err)
		}
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Log(hclog.Error, "metrics server stopped", "error", err)
		}
	}()

	log.Log(hclog.Info, "supervisor started", "uuid", cfg.UUID, "introspect_addr", cfg.HTTP.IntrospectAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Log(hclog.Info, "shutting down")
	var shutdownErr *multierror.Error
	shutdownErr = multierror.Append(shutdownErr, introspectSrv.Shutdown(ctx))
	shutdownErr = multierror.Append(shutdownErr, metricsSrv.Shutdown(ctx))
	return shutdownErr.ErrorOrNil()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
