package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the `valvewatch status` command that queries a
// running instance.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the connection status of a running instance",
		RunE:  runStatus,
	}
	cmd.Flags().String("url", "http://localhost:3000", "base URL of the running instance")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	baseURL, _ := cmd.Flags().GetString("url")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/status")
	if err != nil {
		return fmt.Errorf("querying %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, baseURL)
	}

	var body struct {
		Status   string  `json:"status"`
		HasQR    bool    `json:"hasQR"`
		QRUrl    *string `json:"qrUrl"`
		Attempts int     `json:"attempts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding status response: %w", err)
	}

	fmt.Printf("Status:    %s\n", body.Status)
	fmt.Printf("Attempts:  %d\n", body.Attempts)
	if body.HasQR && body.QRUrl != nil {
		fmt.Printf("Pairing:   scan the QR at %s%s\n", baseURL, *body.QRUrl)
	}
	return nil
}
