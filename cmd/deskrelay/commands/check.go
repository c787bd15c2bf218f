// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/howeyc/gopass"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check [url]",
	Short: "Check a password against a deskrelay server",
	Long: `check asks a host or relay whether a password matches its secret.

The check grants nothing; connections still authenticate on their own.
If the URL is omitted, the local host at http://127.0.0.1:8080 is checked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := "http://127.0.0.1:8080"
		if len(args) > 0 {
			baseURL = args[0]
		}

		fmt.Printf("Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return err
		}

		ok, err := checkPassword(baseURL, string(pass))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("Password rejected")
		}
		fmt.Println("Password accepted")
		return nil
	},
}

func init() {
	RootCmd.AddCommand(checkCmd)
}

func checkPassword(baseURL, password string) (bool, error) {
	body, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return false, err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(strings.TrimSuffix(baseURL, "/")+"/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(err, "Connect to deskrelay server")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, errors.Errorf("Server returned %s", resp.Status)
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, errors.Wrap(err, "Read response from server")
	}
	return result.Success, nil
}
