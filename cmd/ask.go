package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"mate-gateway/internal/emitter"
	"mate-gateway/internal/translator"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var requestPath string

	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Send one request document to a provider and print the normalized reply",
		Long: `Reads a request in the /v1/ask format from --request (or stdin with "-")
and prints the aggregated response, or one frame per item when the request
sets "stream": true.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readRequest(cmd.InOrStdin(), requestPath)
			if err != nil {
				return err
			}

			ask, err := translator.Decode(data)
			if err != nil {
				return err
			}
			req := ask.ToConversation()
			if err := translator.Validate(req); err != nil {
				return err
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRouter(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if !req.Stream {
				resp, err := rt.Ask(ctx, req)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			session, err := rt.Stream(ctx, req)
			if err != nil {
				return err
			}
			defer session.Close()

			_, err = emitter.Pump(ctx, session, emitter.NewStreamWriter(out))
			return err
		},
	}

	cmd.Flags().StringVarP(&requestPath, "request", "r", "-", `request JSON file, "-" reads stdin`)
	return cmd
}

func readRequest(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read request from stdin: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request file: %w", err)
	}
	return data, nil
}
