// SPDX-License-Identifier: AGPL-3.0-or-later
// Replica - Entity replication over unreliable datagrams in a single binary
// Copyright (C) 2025-2026 Angel
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/AngelOnFira/naia-sub000>

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/AngelOnFira/naia-sub000/cmd"
	"github.com/AngelOnFira/naia-sub000/internal/config"
	"github.com/USA-RedDragon/configulator"
)

//nolint:golint,gochecknoglobals
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	rootCmd := cmd.NewCommand(version, commit)

	c := configulator.New[config.Config]().
		WithPFlags(rootCmd.Flags(), nil).
		WithEnvironmentVariables(&configulator.EnvironmentVariableOptions{
			Separator: "__",
		})

	ctx := c.WithContext(context.Background())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Encountered an error", "error", err)
		os.Exit(1)
	}
}
