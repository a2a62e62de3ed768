package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewSlotsCmd создаёт группу команд просмотра слотов.
func NewSlotsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Inspect slots",
	}

	cmd.AddCommand(
		newSlotsListCmd(clientFn, outputFn),
		newSlotsShowCmd(clientFn, outputFn),
		newSlotsHistoryCmd(clientFn, outputFn),
	)

	return cmd
}

func newSlotsListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListSlotsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			slots, err := clientFn().ListSlots(cmd.Context(), opts)
			if err != nil {
				return err
			}

			headers := []string{"ID", "DEVICE", "STATUS", "STATE", "SIP", "UPDATED"}
			rows := make([][]string, len(slots))
			for i, s := range slots {
				sip := ""
				if s.SIP != nil {
					sip = s.SIP.Username
				}
				rows[i] = []string{s.ID, s.DeviceType, s.Status, s.FSMState, sip, s.UpdatedAt}
			}

			outputFn().Print(headers, rows, slots)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (free, busy, error)")
	cmd.Flags().StringVar(&opts.State, "state", "", "Filter by FSM state (IDLE, READY, FAULT, ...)")

	return cmd
}

func newSlotsShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show SLOT_ID",
		Short: "Show slot state, last script and last recovery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := clientFn().GetSlot(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			pairs := [][2]string{
				{"ID", s.ID},
				{"Device", s.DeviceType},
				{"Serial", s.DeviceSerial},
				{"State", fmt.Sprintf("%s (%s)", s.FSMState, s.Status)},
				{"Fault", strconv.FormatBool(s.Fault)},
				{"Trunk", s.TrunkID},
				{"Updated", s.UpdatedAt},
			}
			if s.SIP != nil {
				pairs = append(pairs, [2]string{"SIP", s.SIP.Username + " " + s.SIP.Number})
			}
			if r := s.LastScript; r != nil {
				pairs = append(pairs,
					[2]string{"Last script", fmt.Sprintf("%s %s %s", r.ID, r.Kind, r.Status)},
					[2]string{"Script error", r.Error},
				)
			}
			if r := s.LastRecovery; r != nil {
				pairs = append(pairs,
					[2]string{"Last recovery", fmt.Sprintf("%s %s %s (%s, attempts %d)", r.ID, r.Kind, r.Status, r.Trigger, r.Attempts)},
					[2]string{"Recovery error", r.Error},
				)
			}

			outputFn().Fields(pairs, s)
			return nil
		},
	}
}

func newSlotsHistoryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history SLOT_ID",
		Short: "Show slot state history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := clientFn().SlotHistory(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			headers := []string{"TIME", "FROM", "TO", "SOURCE", "TRIGGER", "PUBLISHED"}
			rows := make([][]string, len(history))
			for i, h := range history {
				rows[i] = []string{h.CreatedAt, h.FromState, h.FSMState, h.Source, h.Trigger, strconv.FormatBool(h.Published)}
			}

			outputFn().Print(headers, rows, history)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries")

	return cmd
}
