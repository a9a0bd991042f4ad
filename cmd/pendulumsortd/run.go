/*
Copyright (c) The pendulumsort Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pendulumsort/core/pendulumsort/config"
	"github.com/pendulumsort/core/pendulumsort/stats"
	"github.com/pendulumsort/core/pendulumsort/supervisor"
)

var runConfigFlag string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigFlag, "config", "c", "", "path to the core's YAML configuration file")
	_ = runCmd.MarkFlagRequired("config")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the pendulum-sort core",
	RunE: func(cmd *cobra.Command, args []string) error {
		configureVerbosity()

		cfg, err := config.Load(runConfigFlag)
		if err != nil {
			return err
		}

		sup, err := supervisor.New(cfg)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		statsSrv := stats.NewServer(sup.Collector())
		mux.Handle("/", statsSrv.Handler())
		mux.HandleFunc("/status", sup.StatusHandler)
		mux.HandleFunc("/events", sup.EventsHandler)
		go func() {
			log.Infof("starting monitoring http server on %s", addrFor(cfg.MonitoringPort))
			if err := http.ListenAndServe(addrFor(cfg.MonitoringPort), mux); err != nil {
				log.Errorf("monitoring http server exited: %v", err)
			}
		}()

		if err := sup.Start(); err != nil {
			return err
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		received := <-sigs
		log.Infof("received %s, shutting down", received)
		sup.Stop()
		return nil
	},
}

func addrFor(port int) string {
	if port <= 0 {
		port = 8080
	}
	return fmt.Sprintf(":%d", port)
}
