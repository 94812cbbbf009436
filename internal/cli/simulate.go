package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"stable-peg/internal/app"
)

var (
	simulateRole         string
	simulateTarget       float64
	simulateReceiverSats uint64
	simulatePrice        float64
	simulateRisk         int
	simulateNotify       bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "根据给定余额与价格计算一次稳定决策",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateTarget <= 0 || simulatePrice <= 0 {
			return errors.New("--target-usd 与 --price 必须大于 0")
		}

		_, err := getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Role:         simulateRole,
			TargetUSD:    decimal.NewFromFloat(simulateTarget),
			ReceiverSats: simulateReceiverSats,
			Price:        decimal.NewFromFloat(simulatePrice),
			Risk:         simulateRisk,
			Notify:       simulateNotify,
		}, cmd.OutOrStdout())
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateRole, "role", "receiver", "receiver 或 provider")
	simulateCmd.Flags().Float64Var(&simulateTarget, "target-usd", 0, "锚定的美元金额")
	simulateCmd.Flags().Uint64Var(&simulateReceiverSats, "receiver-sats", 0, "接收方余额 (sats)")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "BTC/USD 价格")
	simulateCmd.Flags().IntVar(&simulateRisk, "risk", 0, "风险计数")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "通过已配置的告警通道发送模拟告警")
}
