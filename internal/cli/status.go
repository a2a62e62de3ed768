package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewStatusCmd создаёт команду сводки по парку и шине.
func NewStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet and bus status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := clientFn().Status(cmd.Context())
			if err != nil {
				return err
			}

			outputFn().Fields([][2]string{
				{"Bus", busLine(s.Bus)},
				{"Bus error", s.Bus.LastError},
				{"Slots", strconv.Itoa(s.Slots.Total)},
				{"By status", counts(s.Slots.ByStatus)},
				{"By state", counts(s.Slots.ByState)},
				{"Faulted", strings.Join(s.Faulted, ", ")},
			}, s)
			return nil
		},
	}
}

// NewBusCmd создаёт группу команд управления шиной.
func NewBusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bus",
		Short: "Manage message bus connection",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reconnect",
		Short: "Reset reconnect attempts and reconnect to the bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := clientFn().ReconnectBus(cmd.Context())
			if err != nil {
				return err
			}
			out := outputFn()
			out.Fields([][2]string{{"Bus", busLine(*h)}}, h)
			out.Success("Bus reconnect requested")
			return nil
		},
	})

	return cmd
}

func busLine(h BusHealth) string {
	if !h.Enabled {
		return "DISABLED"
	}
	line := fmt.Sprintf("%s (attempts %d/%d)", h.State, h.Attempts, h.MaxAttempts)
	if h.Exhausted {
		line += ", reconnect exhausted: run 'vss-ctl bus reconnect'"
	}
	return line
}

// counts форматирует map в стабильном порядке: "busy=1 free=2".
func counts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, " ")
}
