// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes conversations to shareable files. Markdown is the
// human-facing format; JSON is a faithful dump that can be re-imported.
package export
