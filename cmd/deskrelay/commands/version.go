// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the version of deskrelay.
var Version = "unset"

// Copyright is the copyright including authors of deskrelay.
var Copyright = "Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>"

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of deskrelay",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("deskrelay version %s\n%s\n", Version, Copyright)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
