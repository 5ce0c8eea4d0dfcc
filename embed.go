// Package containerdash embeds the compiled dashboard SPA.
package containerdash

import "embed"

// WebFS holds the SPA build output under web/dist.
//
//go:embed web/dist
var WebFS embed.FS
