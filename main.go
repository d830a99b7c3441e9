// Copyright 2024 The RegionDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// regionctl is an offline administrative tool for regiondb store
// directories: consistency checking, repair, raft log surgery and backup.
package main

import (
	"os"

	"github.com/regiondb/regionctl/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
