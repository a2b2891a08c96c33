package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/forestops/pkg/errors"
	"github.com/YuminosukeSato/forestops/tracking"
	"github.com/YuminosukeSato/forestops/training"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failedStyle = cellStyle.Foreground(lipgloss.Color("9"))
)

func (a *app) newRunsCmd() *cobra.Command {
	var (
		experiment string
		dataset    string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the runs of an experiment, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(func(c *tracking.Client) error {
				ctx := cmd.Context()
				exp, err := c.Store().GetExperimentByName(ctx, experiment)
				if err != nil {
					if errors.Is(err, tracking.ErrExperimentNotFound) {
						return errors.Wrapf(err, "no experiment named %q", experiment)
					}
					return errors.NewTrackingBackendError("get experiment", "", err)
				}
				var filter map[string]string
				if dataset != "" {
					filter = map[string]string{training.TagDataset: dataset}
				}
				runs, err := c.SearchRuns(ctx, exp.ID, filter)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Fprintf(a.stdout, "No runs in experiment %s\n", exp.Name)
					return nil
				}
				fmt.Fprintln(a.stdout, runsTable(runs))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&experiment, "experiment", realExperiment, "experiment name")
	cmd.Flags().StringVar(&dataset, "dataset", "", "only runs tagged with this dataset")
	return cmd
}

func runsTable(runs []*tracking.RunRecord) *table.Table {
	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{
			r.Info.RunID,
			string(r.Info.Status),
			r.Params["dataset"],
			r.Params["n_estimators"],
			metricCell(r, "accuracy"),
			metricCell(r, "precision"),
			r.Info.StartTime.Local().Format("2006-01-02 15:04:05"),
		}
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN ID", "STATUS", "DATASET", "N_ESTIMATORS", "ACCURACY", "PRECISION", "STARTED").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row >= 0 && row < len(runs) && runs[row].Info.Status == tracking.RunStatusFailed:
				return failedStyle
			default:
				return cellStyle
			}
		})
}

func metricCell(r *tracking.RunRecord, key string) string {
	m, ok := r.Metrics[key]
	if !ok {
		return "-"
	}
	return strconv.FormatFloat(m.Value, 'f', 4, 64)
}
