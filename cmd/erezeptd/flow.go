package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-erezept/pkg/client"
	"github.com/sirosfoundation/go-erezept/pkg/transport"
)

type flowOptions struct {
	url             string
	apiKey          string
	prescriberToken string
	dispenserToken  string
	signedFile      string
	pzn             string
	text            string
	insecure        bool
}

func newFlowCommand() *cobra.Command {
	var o flowOptions
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Run one prescription through create, activate, accept and close",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var signed []byte
			if o.signedFile != "" {
				var err error
				if signed, err = os.ReadFile(o.signedFile); err != nil {
					return fmt.Errorf("reading signed prescription: %w", err)
				}
			}

			httpsCfg := transport.DefaultHTTPSConfig()
			httpsCfg.InsecureSkipVerify = o.insecure
			c, err := client.NewClient(&client.ClientConfig{
				BaseURL:     o.url,
				APIKey:      o.apiKey,
				HTTPSConfig: httpsCfg,
			})
			if err != nil {
				return err
			}

			res, runErr := c.RunFlow(cmd.Context(), client.FlowInput{
				PrescriberToken:    o.prescriberToken,
				DispenserToken:     o.dispenserToken,
				SignedPrescription: signed,
				Medication:         client.Medication{Code: o.pzn, Text: o.text},
			})
			if res != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if !res.Completed() {
				return fmt.Errorf("flow stopped before close completed")
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.url, "url", "http://localhost:8080/erezept", "facade base URL")
	f.StringVar(&o.apiKey, "api-key", os.Getenv("ERX_API_KEY"), "facade API key")
	f.StringVar(&o.prescriberToken, "prescriber-token", "", "access token hint for the prescriber")
	f.StringVar(&o.dispenserToken, "dispenser-token", "", "access token hint for the dispenser")
	f.StringVar(&o.signedFile, "signed", "", "file with the signed prescription (ignored with mock signing)")
	f.StringVar(&o.pzn, "pzn", "06313728", "product number of the dispensed medication")
	f.StringVar(&o.text, "text", "Ibuprofen 400 mg", "name of the dispensed medication")
	f.BoolVar(&o.insecure, "insecure", false, "skip facade TLS verification")
	return cmd
}
