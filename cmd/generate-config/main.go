// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/unlistd/unlistd/setup/config"
)

func main() {
	cfg := &config.Config{}
	cfg.Defaults(config.DefaultOpts{Generate: true})

	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		panic(err)
	}
	fmt.Println(string(encoded))
}
