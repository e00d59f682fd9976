package archive

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestParseLocator(t *testing.T) {
	tests := []struct {
		doc     string
		locator string
		path    string
		entry   string
	}{
		{"plain path", "/data/comics/issue1", "/data/comics/issue1", ""},
		{"canonical separator", "/data/a.zip::cover.png", "/data/a.zip", "cover.png"},
		{"legacy separator", "/data/a.zip#cover.png", "/data/a.zip", "cover.png"},
		{"canonical wins over legacy", "/data/a.zip::sub#dir/x.png", "/data/a.zip", "sub#dir/x.png"},
		{"nested entry", "/data/a.cbz::vol1/page01.jpg", "/data/a.cbz", "vol1/page01.jpg"},
		{"hash in plain filename", "/data/shots/frame#12.png", "/data/shots/frame#12.png", ""},
		{"hash in archive name", "/data/a#b.zip#page.png", "/data/a#b.zip", "page.png"},
	}
	for _, tc := range tests {
		t.Run(tc.doc, func(t *testing.T) {
			path, entry := ParseLocator(tc.locator)
			assert.Check(t, is.Equal(path, tc.path))
			assert.Check(t, is.Equal(entry, tc.entry))
		})
	}
}

func TestFormatLocator(t *testing.T) {
	assert.Equal(t, FormatLocator("/data/a.zip", "page.png"), "/data/a.zip::page.png")
}

func TestNormalizeLocator(t *testing.T) {
	// Legacy addresses are rewritten to the canonical separator.
	assert.Equal(t, NormalizeLocator("/data/a.zip#page.png"), "/data/a.zip::page.png")
	assert.Equal(t, NormalizeLocator("/data/a.zip::page.png"), "/data/a.zip::page.png")
	assert.Equal(t, NormalizeLocator("/data/folder/img.png"), "/data/folder/img.png")
	assert.Equal(t, NormalizeLocator("/data/shots/frame#12.png"), "/data/shots/frame#12.png")
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path   string
		format Format
	}{
		{"a.zip", FormatZip},
		{"a.CBZ", FormatZip},
		{"a.7z", Format7z},
		{"a.rar", FormatRar},
		{"a.cbr", FormatRar},
		{"a.tar", FormatTar},
	}
	for _, tc := range tests {
		format, err := DetectFormat(tc.path)
		assert.NilError(t, err, tc.path)
		assert.Check(t, is.Equal(format, tc.format), tc.path)
	}

	_, err := DetectFormat("a.txt")
	assert.Check(t, err != nil)
}
