package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func httpPostJSON(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "POST %s", url)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("POST %s: status %d: %s", url, resp.StatusCode, out)
	}
	return out, nil
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run the manual tax-ID verification exchange against a running server",
	Long:  "Challenge sessions live in server memory, so both steps go through the API server started with `serve`.",
}

var verifyChallengeCmd = &cobra.Command{
	Use:   "challenge",
	Short: "Request a CAPTCHA challenge and save its image",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := httpPost(cmd.Context(), verifyServerURL+"/verify/challenge")
		if err != nil {
			return err
		}
		var ch struct {
			SessionID string `json:"session_id"`
			Image     string `json:"image"`
		}
		if err := json.Unmarshal(body, &ch); err != nil {
			return eris.Wrap(err, "decode challenge")
		}
		img, err := base64.StdEncoding.DecodeString(ch.Image)
		if err != nil {
			return eris.Wrap(err, "decode captcha image")
		}
		if err := os.WriteFile(verifyImagePath, img, 0o644); err != nil {
			return eris.Wrapf(err, "write %s", verifyImagePath)
		}
		zap.L().Info("challenge issued",
			zap.String("session_id", ch.SessionID),
			zap.String("image", verifyImagePath))
		fmt.Println(ch.SessionID)
		return nil
	},
}

var verifySubmitCmd = &cobra.Command{
	Use:   "submit <session-id> <tax-id> <captcha-response>",
	Short: "Submit a CAPTCHA response for a tax ID",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := httpPostJSON(cmd.Context(), verifyServerURL+"/verify/submit", map[string]string{
			"session_id": args[0],
			"tax_id":     args[1],
			"response":   args[2],
		})
		if err != nil {
			return err
		}
		var out bytes.Buffer
		if err := json.Indent(&out, body, "", "  "); err != nil {
			return eris.Wrap(err, "decode outcome")
		}
		fmt.Println(out.String())
		return nil
	},
}

var (
	verifyServerURL string
	verifyImagePath string
)

func init() {
	verifyCmd.PersistentFlags().StringVar(&verifyServerURL, "server", "http://localhost:8080", "base URL of the running API server")
	verifyChallengeCmd.Flags().StringVar(&verifyImagePath, "image-out", "captcha.png", "path to write the challenge image")
	verifyCmd.AddCommand(verifyChallengeCmd)
	verifyCmd.AddCommand(verifySubmitCmd)
	rootCmd.AddCommand(verifyCmd)
}
