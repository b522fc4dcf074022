package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/oriys/quasar/internal/apps/demo"
	"github.com/oriys/quasar/internal/functions"
	"github.com/oriys/quasar/internal/protocol"
	"github.com/spf13/cobra"
)

func indexCmd() *cobra.Command {
	var (
		deferred bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "index [app-dir]",
		Short: "Index an app directory",
		Long:  "Validate every function of an app manifest against the built-in catalog and print the result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			m, err := functions.ParseDir(dir)
			if err != nil {
				return err
			}

			reg := functions.NewRegistry(functions.Options{Loader: demo.Catalog(), DeferredBindings: deferred})
			results := reg.Index(m)

			out := cmd.OutOrStdout()
			if asJSON {
				mds := make([]*protocol.RpcFunctionMetadata, 0, len(results))
				for _, res := range results {
					mds = append(mds, res.Metadata)
				}
				data, err := json.MarshalIndent(mds, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
			} else {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tID\tENTRY POINT\tSTATUS")
				for _, res := range results {
					status := "ok"
					if res.Err != nil {
						status = res.Err.Error()
					}
					fmt.Fprintf(w, "%s\t%s\t%s.%s\t%s\n", res.Name, res.ID, res.Metadata.ScriptFile, res.Metadata.EntryPoint, status)
				}
				w.Flush()
			}

			if n := countFailed(results); n > 0 {
				return fmt.Errorf("%d of %d functions failed to index", n, len(results))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&deferred, "deferred-bindings", false, "Allow SDK-type bindings")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the function metadata as JSON")
	return cmd
}

func countFailed(results []functions.IndexResult) int {
	n := 0
	for _, res := range results {
		if res.Err != nil {
			n++
		}
	}
	return n
}
