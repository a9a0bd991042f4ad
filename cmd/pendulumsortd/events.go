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
)

var eventsAddrFlag string

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().StringVarP(&eventsAddrFlag, "addr", "a", "localhost:8080", "host:port of a running pendulumsortd's monitoring server")
}

// eventRow mirrors supervisor.eventRecord's JSON shape; kept as a separate
// type here since the CLI only needs to read it back, not construct it.
type eventRow struct {
	At   string `json:"at"`
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail recently published events from a running core",
	RunE: func(cmd *cobra.Command, args []string) error {
		configureVerbosity()

		resp, err := http.Get(fmt.Sprintf("http://%s/events", eventsAddrFlag))
		if err != nil {
			return fmt.Errorf("fetching events from %s: %w", eventsAddrFlag, err)
		}
		defer resp.Body.Close()

		var rows []eventRow
		if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
			return fmt.Errorf("decoding events response: %w", err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetColWidth(20)
		table.SetHeader([]string{"at", "kind", "data"})
		for _, row := range rows {
			data, _ := json.Marshal(row.Data)
			table.Append([]string{row.At, row.Kind, string(data)})
		}
		table.Render()
		return nil
	},
}
