/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package backend

import (
	"net/url"
	"path"
	"strings"
)

// ValidatePath enforces the §4.1 security contract: no absolute paths, no
// parent-directory traversal (including URL-encoded forms), no null
// bytes. It returns the cleaned, relative path or a PathTraversal error.
func ValidatePath(p string) (string, error) {
	if strings.Contains(p, "\x00") {
		return "", NewPathTraversalError(p, "null byte in path")
	}
	if decoded, err := url.QueryUnescape(p); err == nil && decoded != p {
		if strings.Contains(decoded, "\x00") {
			return "", NewPathTraversalError(p, "url-encoded null byte")
		}
		if containsTraversal(decoded) {
			return "", NewPathTraversalError(p, "url-encoded traversal segment")
		}
	}
	if strings.HasPrefix(p, "/") || hasWindowsAbsolutePrefix(p) {
		return "", NewPathTraversalError(p, "absolute path rejected")
	}
	if containsTraversal(p) {
		return "", NewPathTraversalError(p, "'..' segment rejected")
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "/" || strings.HasPrefix(cleaned, "/") {
		return "", NewPathTraversalError(p, "resolves outside of root")
	}
	if cleaned == "." {
		cleaned = ""
	}
	return cleaned, nil
}

func containsTraversal(p string) bool {
	for _, seg := range strings.Split(strings.ReplaceAll(p, "\\", "/"), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func hasWindowsAbsolutePrefix(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}
