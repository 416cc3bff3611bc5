// Package webapp provides the embedded page template and static assets of
// the file manager.
package webapp

import "embed"

//go:embed templates static
var Assets embed.FS
