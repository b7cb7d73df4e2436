package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для управления запусками flow.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage flow runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunNodesCmd(clientFn, outputFn),
		newRunActionCmd(clientFn, outputFn, "pause", "Pause a flow run", (*Client).PauseFlowRun),
		newRunActionCmd(clientFn, outputFn, "resume", "Resume a paused flow run", (*Client).ResumeFlowRun),
		newRunActionCmd(clientFn, outputFn, "fail", "Mark a flow run as failed", (*Client).FailFlowRun),
	)

	return cmd
}

var flowRunHeaders = []string{"ID", "NAME", "START", "CURRENT", "STATUS", "STARTED"}

func flowRunRow(r FlowRunResponse) []string {
	return []string{strconv.FormatInt(r.ID, 10), r.Name, r.StartNodeID, r.CurrentNodeID, r.Status, r.StartedAt}
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flow runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListFlowRuns(ListFlowRunsOpts{
				Status: status,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = flowRunRow(r)
			}

			out.Print(flowRunHeaders, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (waiting, in-progress, completed, failed, paused)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:     "show ID",
		Aliases: []string{"get"},
		Short:   "Show flow run details",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			run, err := clientFn().GetFlowRun(id)
			if err != nil {
				return err
			}

			outputFn().Print(flowRunHeaders, [][]string{flowRunRow(*run)}, run)
			return nil
		},
	}
}

func newRunNodesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes ID",
		Short: "List node runs of a flow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			runs, err := clientFn().ListNodeRuns(id)
			if err != nil {
				return err
			}

			headers := []string{"ID", "NODE_ID", "STATUS", "STARTED", "FINISHED", "DURATION_MS"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{
					strconv.FormatInt(r.ID, 10), r.NodeID, r.Status,
					r.StartedAt, r.FinishedAt, strconv.FormatInt(r.DurationMs, 10),
				}
			}

			outputFn().Print(headers, rows, runs)
			return nil
		},
	}
}

func newRunActionCmd(
	clientFn func() *Client,
	outputFn func() *Output,
	name, short string,
	action func(*Client, int64) (*FlowRunResponse, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   name + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			run, err := action(clientFn(), id)
			if err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Flow run %d: %s", run.ID, run.Status))
			return nil
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid flow run id %q", s)
	}
	return id, nil
}
