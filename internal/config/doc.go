// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for chatkern.
//
// Settings come from ~/.chatkern/config.toml with environment variable
// overrides on top, validated before use. A file watcher allows hot reload
// of the config without restarting the host.
package config
