package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procurehq/rfq-engine/internal/model"
)

var (
	exportOut    string
	exportStatus string
	exportLimit  int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export settlements to an xlsx workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		f, err := os.Create(exportOut)
		if err != nil {
			return eris.Wrapf(err, "create %s", exportOut)
		}
		defer f.Close() //nolint:errcheck

		n, err := env.Settlement.ExportXLSX(ctx, f, model.SettlementStatus(exportStatus), exportLimit)
		if err != nil {
			return err
		}
		zap.L().Info("settlements exported",
			zap.String("file", exportOut), zap.Int("rows", n))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "settlements.xlsx", "output file")
	exportCmd.Flags().StringVar(&exportStatus, "status", "", "filter by status (pending, paid, reconciled; empty for all)")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "max rows (0 for default cap)")
	rootCmd.AddCommand(exportCmd)
}
