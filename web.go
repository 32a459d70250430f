// Package tokenhub exposes the embedded admin dashboard assets served by
// internal/httpapi at /admin.
package tokenhub

import "embed"

//go:embed web/index.html web/cytoscape.min.js web/d3.min.js
var WebFS embed.FS
