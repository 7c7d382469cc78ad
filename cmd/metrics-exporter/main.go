/*
Copyright 2024 The Alibaba Authors.

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

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	glog "k8s.io/klog"

	"github.com/alibaba/shmetrics/exporter"
)

func main() {
	logFlags := flag.NewFlagSet("log", flag.ExitOnError)
	glog.InitFlags(logFlags)

	command := &cobra.Command{
		Use:   "metrics-exporter",
		Short: "metrics-exporter",
		Long:  "metrics-exporter serves the shared metrics segment to Prometheus and carries the admin API.",
		Run: func(command *cobra.Command, args []string) {
			if err := exporter.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
		},
	}
	command.Flags().AddGoFlagSet(logFlags)
	exporter.InitFlags(command.Flags())
	defer glog.Flush()

	if err := command.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
