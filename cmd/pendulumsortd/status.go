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
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/pendulumsort/core/pendulumsort/supervisor"
)

var statusAddrFlag string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusAddrFlag, "addr", "a", "localhost:8080", "host:port of a running pendulumsortd's monitoring server")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Fetch and render per-pendulum status from a running core",
	RunE: func(cmd *cobra.Command, args []string) error {
		configureVerbosity()

		resp, err := http.Get(fmt.Sprintf("http://%s/status", statusAddrFlag))
		if err != nil {
			return fmt.Errorf("fetching status from %s: %w", statusAddrFlag, err)
		}
		defer resp.Body.Close()

		var rows []supervisor.PEStatus
		if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
			return fmt.Errorf("decoding status response: %w", err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetColWidth(20)
		table.SetHeader([]string{"pe", "direction", "connected", "matched", "unmatched", "cmd failures", "mean sort ms"})
		for _, row := range rows {
			table.Append([]string{
				row.PE,
				row.Direction,
				fmt.Sprintf("%v", row.Connected),
				fmt.Sprintf("%d", row.Matched),
				fmt.Sprintf("%d", row.Unmatched),
				fmt.Sprintf("%d", row.CommandFailures),
				fmt.Sprintf("%.1f", row.SortDurationMeanMs),
			})
		}
		table.Render()
		return nil
	},
}
