package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"stable-peg/internal/app"
)

var (
	designateTarget string
	designateNative string
)

var designateCmd = &cobra.Command{
	Use:   "designate <channel-id>",
	Short: "Peg a channel to a USD target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := decimal.NewFromString(designateTarget)
		if err != nil || target.Sign() <= 0 {
			return fmt.Errorf("--target-usd must be a positive number")
		}

		native := decimal.Zero
		if designateNative != "" {
			native, err = decimal.NewFromString(designateNative)
			if err != nil || native.Sign() < 0 {
				return fmt.Errorf("--native-btc must be a non-negative number")
			}
		}

		return getApp().Designate(cmd.Context(), app.DesignateOptions{
			ChannelID: args[0],
			TargetUSD: target,
			NativeBTC: native,
		})
	},
}

var undesignateCmd = &cobra.Command{
	Use:   "undesignate <channel-id>",
	Short: "Stop pegging a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Undesignate(cmd.Context(), args[0])
	},
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Evaluate registered stable channels against the current price",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Channels(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	designateCmd.Flags().StringVar(&designateTarget, "target-usd", "", "USD value to hold on the receiver side")
	designateCmd.Flags().StringVar(&designateNative, "native-btc", "", "BTC amount kept outside the peg (informational)")
	_ = designateCmd.MarkFlagRequired("target-usd")
}
