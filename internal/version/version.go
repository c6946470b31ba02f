// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package version

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
)

const (
	filename       = "VSCSI_HELPER_VERSION"
	unknownVersion = "Unknown"
	develVersion   = "(devel)"
)

// buildVersion is set at link time with
// -ldflags "-X github.com/esxi-tools/vscsi-helper/internal/version.buildVersion=v1.2.3".
var buildVersion string

var (
	version     = resolve(buildVersion, readVersionFile, moduleVersion)
	fullVersion = buildFullVersion(version)
)

func Number() string {
	return version
}

func Full() string {
	return fullVersion
}

// FilePath is where a packaged install keeps its version file.
func FilePath() (string, error) {
	ex, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(ex), filename), nil
}

func buildFullVersion(version string) string {
	return fmt.Sprintf("vscsi-helper/%s (%s; %s; %s)",
		version,
		runtime.Version(),
		runtime.GOOS,
		runtime.GOARCH)
}

// resolve returns the link time version if set, otherwise the first source
// that knows one.
func resolve(linked string, sources ...func() string) string {
	if linked != "" {
		return linked
	}
	for _, source := range sources {
		if v := source(); v != unknownVersion {
			return v
		}
	}
	return unknownVersion
}

func readVersionFile() string {
	versionFilePath, err := FilePath()
	if err != nil {
		return unknownVersion
	}
	content, err := os.ReadFile(versionFilePath)
	if err != nil {
		return unknownVersion
	}
	v := strings.Trim(string(content), " \n\r\t")
	if v == "" {
		return unknownVersion
	}
	return v
}

func moduleVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == develVersion {
		return unknownVersion
	}
	return info.Main.Version
}
