package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/state"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/store"
)

var (
	ksOnReason  string
	ksOffReason string
)

var killswitchCmd = &cobra.Command{
	Use:   "killswitch",
	Short: "Inspect or flip the manual kill switch",
	Long: `The kill switch is a JSON file in the state directory. While it is
enabled, or missing entirely, the executor refuses every batch. "off" is
the operator action that arms a fresh deployment, and it records a
reason so the audit trail shows why the halt was lifted.`,
}

var killswitchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current kill-switch state",
	RunE:  runKillswitchStatus,
}

var killswitchOnCmd = &cobra.Command{
	Use:   "on",
	Short: "Halt trading",
	RunE:  runKillswitchOn,
}

var killswitchOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Re-arm trading",
	RunE:  runKillswitchOff,
}

func init() {
	rootCmd.AddCommand(killswitchCmd)
	killswitchCmd.AddCommand(killswitchStatusCmd, killswitchOnCmd, killswitchOffCmd)
	killswitchOnCmd.Flags().StringVar(&ksOnReason, "reason", "manual operator stop", "reason recorded in the switch file")
	killswitchOffCmd.Flags().StringVar(&ksOffReason, "reason", "", "audit-trail reason for lifting the halt (required)")
	_ = killswitchOffCmd.MarkFlagRequired("reason")
}

// openStateManager gives the kill-switch commands direct file access
// without wiring the exchange client.
func openStateManager() (*state.Manager, error) {
	a, err := loadApp(false)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(a.cfg.Paths.StateDir)
	if err != nil {
		return nil, err
	}
	return state.NewManager(st, nil, a.log), nil
}

func runKillswitchStatus(cmd *cobra.Command, args []string) error {
	mgr, err := openStateManager()
	if err != nil {
		return err
	}
	ks, err := mgr.KillSwitch()
	if err != nil {
		return err
	}
	switch {
	case ks == nil:
		fmt.Println("kill switch: ACTIVE (uninitialized; `myclaw killswitch off --reason ...` arms trading)")
	case ks.Enabled:
		fmt.Printf("kill switch: ACTIVE since %s (%s)\n", ks.TriggeredAt, ks.Reason)
	default:
		fmt.Printf("kill switch: off, trading allowed (deactivated %s: %s)\n", ks.DeactivatedAt, ks.DeactivationReason)
	}
	if ks != nil && ks.Warning {
		fmt.Printf("warning since %s: %s\n", ks.WarningAt, ks.WarningReason)
	}
	return nil
}

func runKillswitchOn(cmd *cobra.Command, args []string) error {
	mgr, err := openStateManager()
	if err != nil {
		return err
	}
	if err := mgr.TriggerKillSwitch(ksOnReason); err != nil {
		return err
	}
	fmt.Println("kill switch enabled, trading halted")
	return nil
}

func runKillswitchOff(cmd *cobra.Command, args []string) error {
	mgr, err := openStateManager()
	if err != nil {
		return err
	}
	if err := mgr.DeactivateKillSwitch(ksOffReason); err != nil {
		return err
	}
	fmt.Println("kill switch disabled, trading allowed")
	return nil
}
