/*
Copyright 2021 The Everoute Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command mefelined is the EVC lifecycle and path-protection daemon.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags; left as "dev" otherwise.
var version = "dev"

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mefelined",
		Short: "EVC lifecycle and path-protection daemon",
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(versionCommand())

	rootCmd.Root().SilenceUsage = true
	return rootCmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(color.GreenString("mefelined"), version)
			return nil
		},
	}
}
