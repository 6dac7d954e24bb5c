package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"hanchat/server/internal/domain"
)

func newScenesCmd() *cobra.Command {
	var (
		path       string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "scenes",
		Short: "List available roleplay scenes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := domain.LoadScenes(path)
			if err != nil {
				return err
			}
			scenes := catalog.List()

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(scenes)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "NAME\tTITLE\tTASK")
			fmt.Fprintln(w, "----\t-----\t----")
			for _, sc := range scenes {
				fmt.Fprintf(w, "%s\t%s\t%s\n", color.CyanString(sc.Name), sc.Title, sc.Task)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&path, "scenes", "", "scenes YAML file (default: built-in catalog)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
