package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var invokeEvent string

var invokeCmd = &cobra.Command{
	Use:   "invoke",
	Short: "Process a single upload event",
	Long:  "Reads one invocation event (JSON) from --event or stdin, drives the batch through its route and prints the response envelope.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		raw, err := readEvent(invokeEvent, cmd.InOrStdin())
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		resp := env.Handler.Handle(ctx, raw)
		zap.L().Info("invocation complete",
			zap.Int("status_code", resp.StatusCode),
			zap.String("message", resp.Body.Message),
			zap.String("error", resp.Body.Error),
		)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

// readEvent loads the event from path, or from stdin when path is "" or "-".
func readEvent(path string, stdin io.Reader) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if path == "" || path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, eris.Wrap(err, "read event")
	}
	if len(raw) == 0 {
		return nil, eris.New("read event: empty input")
	}
	return raw, nil
}

func init() {
	invokeCmd.Flags().StringVar(&invokeEvent, "event", "", "path to the event JSON (default stdin)")
	rootCmd.AddCommand(invokeCmd)
}
