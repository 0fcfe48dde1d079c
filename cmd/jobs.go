package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/store"
)

var (
	jobsQueue  string
	jobsStatus string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect queued and failed background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		list, err := st.ListJobs(ctx, store.JobFilter{
			Queue:  jobsQueue,
			Status: model.JobStatus(jobsStatus),
			Limit:  jobsLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tQUEUE\tTYPE\tSTATUS\tATTEMPTS\tRUN AT\tLAST ERROR")
		for _, j := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				j.ID, j.Queue, j.Type, j.Status, j.Attempts, j.MaxAttempts,
				j.RunAt.UTC().Format("2006-01-02 15:04:05"), j.LastError)
		}
		return w.Flush()
	},
}

func init() {
	jobsCmd.Flags().StringVar(&jobsQueue, "queue", "", "filter by queue (auction, notification)")
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "failed", "filter by status (queued, running, done, failed; empty for all)")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "max rows")
	rootCmd.AddCommand(jobsCmd)
}
