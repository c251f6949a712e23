package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clearledger/invoice-sentinel/internal/keypool"
)

func httpPost(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "POST %s", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("POST %s: status %d: %s", url, resp.StatusCode, body)
	}
	return body, nil
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect and manage the extraction credential pool",
}

var keysStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show usage and exhaustion state for each credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool := keypool.New(cfg.Extractor.Keys)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pool.Status())
	},
}

var keysResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reactivate every exhausted credential on a running server",
	Long:  "Sends POST /keys/reset to the API server. Exhaustion state lives in server memory, so the reset must go through the running process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := keysServerURL + "/keys/reset"
		resp, err := httpPost(cmd.Context(), url)
		if err != nil {
			return err
		}
		zap.L().Info("credential pool reset", zap.String("server", keysServerURL))
		_, err = os.Stdout.Write(resp)
		return err
	},
}

var keysServerURL string

func init() {
	keysResetCmd.Flags().StringVar(&keysServerURL, "server", "http://localhost:8080", "base URL of the running API server")
	keysCmd.AddCommand(keysStatusCmd)
	keysCmd.AddCommand(keysResetCmd)
	rootCmd.AddCommand(keysCmd)
}
