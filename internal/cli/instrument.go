package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewInstrumentCmd создаёт группу команд для просмотра приборов.
func NewInstrumentCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instrument",
		Short: "Inspect instruments",
	}

	cmd.AddCommand(
		newInstrumentListCmd(clientFn, outputFn),
		newInstrumentQueuesCmd(clientFn, outputFn),
	)

	return cmd
}

func newInstrumentListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List instruments",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := clientFn().ListInstruments()
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "TYPE", "CONNECTED", "OPERATIONS"}
			rows := make([][]string, len(list))
			for i, in := range list {
				rows[i] = []string{
					strconv.FormatInt(in.ID, 10), in.Name, in.Type,
					strconv.FormatBool(in.Connected), strings.Join(in.Operations, ","),
				}
			}

			outputFn().Print(headers, rows, list)
			return nil
		},
	}
}

func newInstrumentQueuesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show instrument queues and current holders",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := clientFn().InstrumentQueues()
			if err != nil {
				return err
			}

			headers := []string{"INSTRUMENT", "NAME", "IN_USE_BY", "QUEUE"}
			rows := make([][]string, len(list))
			for i, q := range list {
				inUse := "-"
				if q.InUseBy != nil {
					inUse = strconv.FormatInt(*q.InUseBy, 10)
				}
				queue := make([]string, len(q.Queue))
				for j, id := range q.Queue {
					queue[j] = strconv.FormatInt(id, 10)
				}
				rows[i] = []string{strconv.FormatInt(q.InstrumentID, 10), q.Name, inUse, strings.Join(queue, ",")}
			}

			outputFn().Print(headers, rows, list)
			return nil
		},
	}
}
