package archive

import (
	"strings"
)

// Locator separators. "::" is canonical; "#" is the legacy form still
// found in older catalogs and accepted on read.
const (
	locatorSep       = "::"
	locatorSepLegacy = "#"
)

// FormatLocator renders the canonical "<archive>::<entry>" address.
func FormatLocator(archivePath, entryName string) string {
	return archivePath + locatorSep + entryName
}

// ParseLocator splits a source locator into archive path and entry name.
// A locator without a separator is a plain file path (entry == "").
// Legacy "#" locators are recognized only when no "::" is present and the
// prefix names an archive file, since plain filenames may legitimately
// contain '#'.
func ParseLocator(locator string) (archivePath, entryName string) {
	if i := strings.Index(locator, locatorSep); i >= 0 {
		return locator[:i], locator[i+len(locatorSep):]
	}
	for off := 0; ; {
		j := strings.Index(locator[off:], locatorSepLegacy)
		if j < 0 {
			break
		}
		i := off + j
		if _, err := DetectFormat(locator[:i]); err == nil {
			return locator[:i], locator[i+len(locatorSepLegacy):]
		}
		off = i + len(locatorSepLegacy)
	}
	return locator, ""
}

// NormalizeLocator rewrites legacy locators to the canonical form.
func NormalizeLocator(locator string) string {
	path, entry := ParseLocator(locator)
	if entry == "" {
		return path
	}
	return FormatLocator(path, entry)
}
