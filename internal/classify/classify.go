// Package classify decides, from a name and size alone, whether a directory
// entry is hidden, dangerous or previewable.
package classify

import (
	"strings"
)

// Rules configures a Classifier. Extensions are compared lowercase and without
// the leading dot.
type Rules struct {
	AllowedUploadExts     []string
	DangerousExts         []string
	PreviewImageExts      []string
	HiddenNames           []string
	DangerousMIMEPrefixes []string
	HideDotfiles          bool
	PreviewMaxBytes       int64
}

// Classification is derived per entry; it is never stored.
type Classification struct {
	Hidden          bool
	Dangerous       bool
	PreviewEligible bool
}

// Classifier holds the compiled rule sets. It is immutable and safe for
// concurrent use.
type Classifier struct {
	allowed      map[string]struct{}
	dangerous    map[string]struct{}
	preview      map[string]struct{}
	hidden       map[string]struct{}
	mimePrefixes []string
	hideDotfiles bool
	previewMax   int64
}

// New compiles rules into a Classifier.
func New(rules Rules) *Classifier {
	c := &Classifier{
		allowed:      extSet(rules.AllowedUploadExts),
		dangerous:    extSet(rules.DangerousExts),
		preview:      extSet(rules.PreviewImageExts),
		hidden:       make(map[string]struct{}, len(rules.HiddenNames)),
		hideDotfiles: rules.HideDotfiles,
		previewMax:   rules.PreviewMaxBytes,
	}
	for _, n := range rules.HiddenNames {
		c.hidden[strings.ToLower(n)] = struct{}{}
	}
	for _, p := range rules.DangerousMIMEPrefixes {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			c.mimePrefixes = append(c.mimePrefixes, p)
		}
	}
	return c
}

func extSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			set[e] = struct{}{}
		}
	}
	return set
}

// Ext returns the lowercase text after the last dot, or "" when there is none.
func Ext(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}

// IsDangerous reports whether name carries a denylisted extension.
func (c *Classifier) IsDangerous(name string) bool {
	ext := Ext(name)
	if ext == "" {
		return false
	}
	_, ok := c.dangerous[ext]
	return ok
}

// IsUploadAllowed reports whether name may be uploaded. The denylist wins over
// the allowlist.
func (c *Classifier) IsUploadAllowed(name string) bool {
	if c.IsDangerous(name) {
		return false
	}
	ext := Ext(name)
	if ext == "" {
		return false
	}
	_, ok := c.allowed[ext]
	return ok
}

// IsHidden reports whether name is kept out of listings.
func (c *Classifier) IsHidden(name string) bool {
	if c.hideDotfiles && strings.HasPrefix(name, ".") {
		return true
	}
	if _, ok := c.hidden[strings.ToLower(name)]; ok {
		return true
	}
	return c.IsDangerous(name)
}

// IsPreviewEligible reports whether name is an image small enough to render inline.
func (c *Classifier) IsPreviewEligible(name string, size int64) bool {
	if size < 0 || size > c.previewMax {
		return false
	}
	_, ok := c.preview[Ext(name)]
	return ok
}

// IsDangerousMIME reports whether mime starts with one of the blocked prefixes.
func (c *Classifier) IsDangerousMIME(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if mime == "" {
		return false
	}
	for _, p := range c.mimePrefixes {
		if strings.HasPrefix(mime, p) {
			return true
		}
	}
	return false
}

// Classify derives the full classification of one entry.
func (c *Classifier) Classify(name string, size int64, isDir bool) Classification {
	cl := Classification{
		Hidden:    c.IsHidden(name),
		Dangerous: c.IsDangerous(name),
	}
	if !isDir {
		cl.PreviewEligible = !cl.Dangerous && c.IsPreviewEligible(name, size)
	}
	return cl
}
