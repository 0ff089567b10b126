package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/nosey/viewership-pipeline/internal/model"
	"github.com/nosey/viewership-pipeline/internal/pipeline"
	"github.com/nosey/viewership-pipeline/internal/verify"
	"github.com/nosey/viewership-pipeline/internal/warehouse"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run a single gate check against the warehouse",
	Long:  "Counts a batch's rows at a phase in the landing, staging or final table and compares them with the expected record count. Nothing is moved.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		check, err := checkFromFlags(cmd)
		if err != nil {
			return err
		}

		wh, err := warehouse.NewSnowflake(cfg.Snowflake)
		if err != nil {
			return eris.Wrap(err, "open warehouse")
		}
		defer wh.Close() //nolint:errcheck

		v := verify.New(wh).Verify(ctx, check)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			Table    string             `json:"table"`
			Phase    string             `json:"phase"`
			Expected int64              `json:"expected"`
			Result   model.Verification `json:"result"`
		}{check.Table, check.Phase.String(), check.Expected, v}); err != nil {
			return err
		}

		if !v.Verified {
			cmd.SilenceUsage = true
			return eris.Errorf("unverified: %s", v.Reason)
		}
		return nil
	},
}

// checkFromFlags resolves the gate described by the command flags.
func checkFromFlags(cmd *cobra.Command) (verify.Check, error) {
	platform, _ := cmd.Flags().GetString("platform")
	filename, _ := cmd.Flags().GetString("filename")
	uploadType, _ := cmd.Flags().GetString("type")
	dest, _ := cmd.Flags().GetString("destination")
	phase, _ := cmd.Flags().GetString("phase")
	expected, _ := cmd.Flags().GetInt64("expected")

	d, err := pipeline.ParseDestination(dest)
	if err != nil {
		return verify.Check{}, err
	}
	p, err := model.ParsePhase(phase)
	if err != nil {
		return verify.Check{}, err
	}

	tables := cfg.Tables()
	check := verify.Check{
		Platform: platform,
		Table:    d.Table(tables),
		Phase:    p,
		Expected: expected,
		Filename: filename,
		Type:     model.UploadType(uploadType),
	}
	if d == pipeline.Final {
		check.UnmatchedTable = tables.Unmatched
	}
	return check, nil
}

func addCheckFlags(cmd *cobra.Command) {
	cmd.Flags().String("platform", "", "batch platform (required)")
	cmd.Flags().String("filename", "", "batch filename (required)")
	cmd.Flags().String("type", string(model.UploadTypeViewership), "upload type")
	cmd.Flags().String("destination", "landing", "table to count: landing, staging or final")
	cmd.Flags().String("phase", "", "phase marker: empty, 0, 1 or 2")
	cmd.Flags().Int64("expected", 0, "expected record count")
	_ = cmd.MarkFlagRequired("platform")
	_ = cmd.MarkFlagRequired("filename")
}

func init() {
	addCheckFlags(verifyCmd)
	rootCmd.AddCommand(verifyCmd)
}
