package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/forestops/pkg/log"
	"github.com/YuminosukeSato/forestops/sklearn/datasets"
)

func (a *app) newGenerateCmd() *cobra.Command {
	var path, name string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a dataset's feature columns to a CSV file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ds, err := a.loader()(name)
			if err != nil {
				return err
			}
			if err := datasets.WriteFeaturesCSV(ds, path); err != nil {
				return err
			}
			log.GetLoggerWithName("cli").Debug("Dataset written",
				log.DatasetKey, ds.Name,
				log.SamplesKey, ds.NSamples(),
				log.FeaturesKey, ds.NFeatures(),
			)
			fmt.Fprintf(a.stdout, "%s dataset saved to %s\n", displayName(ds.Name), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "data/iris_data.csv", "output CSV path; parent directories are created")
	cmd.Flags().StringVar(&name, "dataset", "iris", "dataset to write")
	return cmd
}

// displayName upper-cases the first letter of a dataset name. Names are
// ASCII identifiers.
func displayName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
