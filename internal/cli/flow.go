package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewFlowCmd создаёт группу команд для запуска flow.
func NewFlowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Start flows",
	}

	cmd.AddCommand(newFlowStartCmd(clientFn, outputFn))

	return cmd
}

func newFlowStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "start START_NODE_ID",
		Short: "Start a new flow run at the given node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			run, err := clientFn().StartFlow(StartFlowRequest{
				Name:        name,
				StartNodeID: args[0],
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Flow run started: %d", run.ID))
			out.Print(flowRunHeaders, [][]string{flowRunRow(*run)}, run)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Flow run name (start node id if empty)")

	return cmd
}
