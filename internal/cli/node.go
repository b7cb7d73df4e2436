package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewNodeCmd создаёт группу команд для выполнения узлов.
func NewNodeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run flow nodes",
	}

	cmd.AddCommand(newNodeRunCmd(clientFn, outputFn))

	return cmd
}

func newNodeRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var instrumentID int64
	var function string
	var kvs []string
	var movement bool

	cmd := &cobra.Command{
		Use:   "run FLOW_RUN_ID NODE_ID",
		Short: "Run a node of a flow run and wait for the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			nodeArgs, err := parseArgs(kvs)
			if err != nil {
				return err
			}

			result, err := clientFn().RunNode(id, args[1], RunNodeRequest{
				InstrumentID: instrumentID,
				Function:     function,
				Args:         nodeArgs,
				IsMovement:   movement,
			})
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(result))
			for k := range result {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			rows := make([][]string, len(keys))
			for i, k := range keys {
				rows[i] = []string{k, fmt.Sprint(result[k])}
			}

			outputFn().Print([]string{"KEY", "VALUE"}, rows, result)
			return nil
		},
	}

	cmd.Flags().Int64Var(&instrumentID, "instrument", 0, "Instrument ID")
	cmd.Flags().StringVar(&function, "function", "", "Instrument operation")
	cmd.Flags().StringSliceVar(&kvs, "arg", nil, "Operation argument as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&movement, "movement", false, "Node moves a plate between locations")
	_ = cmd.MarkFlagRequired("instrument")
	_ = cmd.MarkFlagRequired("function")

	return cmd
}

// parseArgs превращает KEY=VALUE в аргументы операции.
// Целые и дробные значения передаются числами, true/false булевыми.
func parseArgs(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}

	args := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid arg format %q, expected KEY=VALUE", kv)
		}
		args[key] = parseValue(value)
	}
	return args, nil
}

func parseValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
