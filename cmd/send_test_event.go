package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"payment-webhook-service/internal/config"
	"payment-webhook-service/internal/signature"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	sendFile   string
	sendURL    string
	sendSecret string
	sendHeader string
)

var sendTestEventCmd = &cobra.Command{
	Use:   "send-test-event",
	Short: "Sign a JSON event file and POST it to a running service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		raw, err := os.ReadFile(sendFile)
		if err != nil {
			return errors.Wrap(err, "read event file")
		}

		secret := sendSecret
		if secret == "" {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return errors.Wrap(err, "no --secret given and config could not be loaded")
			}
			secret = cfg.Webhook.SigningSecret
		}

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, sendURL, bytes.NewReader(raw))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(sendHeader, signature.Header(secret, raw, time.Now()))

		resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
		if err != nil {
			return errors.Wrap(err, "send event")
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s", resp.Status, body)
		return err
	},
}

func init() {
	sendTestEventCmd.Flags().StringVarP(&sendFile, "file", "f", "", "JSON event file")
	sendTestEventCmd.Flags().StringVar(&sendURL, "url", "http://localhost:8080/webhooks/payments", "Webhook endpoint")
	sendTestEventCmd.Flags().StringVar(&sendSecret, "secret", "", "Signing secret, defaults to webhook.signing-secret")
	sendTestEventCmd.Flags().StringVar(&sendHeader, "header", "Stripe-Signature", "Signature header name")
	_ = sendTestEventCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(sendTestEventCmd)
}
