// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import "fmt"

// Semver value of this build.
const (
	VersionMajor = 0
	VersionMinor = 3
	VersionPatch = 1
	VersionTag   = "" // example: "rc1"
)

var version = ""

func VersionString() string {
	return version
}

func init() {
	version = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
	if VersionTag != "" {
		version += "-" + VersionTag
	}
}
