package controller

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// fileMention is one expanded @-mention.
type fileMention struct {
	Path    string
	Content string
}

var mentionRe = regexp.MustCompile(`(^|\s)@([\w./~-]+)`)

// maxMentionBytes caps how much of a mentioned file enters the context.
const maxMentionBytes = 128 * 1024

// expandFileMentions resolves @path tokens in a prompt against cwd and
// reads the referenced files. Unreadable paths are skipped silently: the
// token may be a handle, not a file.
func expandFileMentions(text, cwd string) []fileMention {
	matches := mentionRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var out []fileMention
	for _, m := range matches {
		rel := m[2]
		if seen[rel] {
			continue
		}
		seen[rel] = true

		path := rel
		if strings.HasPrefix(path, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				path = filepath.Join(home, path[2:])
			}
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}

		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if len(data) > maxMentionBytes {
			data = data[:maxMentionBytes]
		}
		out = append(out, fileMention{Path: rel, Content: string(data)})
	}
	return out
}
