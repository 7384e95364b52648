package artifact

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a caller supplied path would resolve
// outside of the root it is meant to stay in.
type ErrPathEscape struct {
	Path string
}

func (err *ErrPathEscape) Error() string {
	return fmt.Sprintf("path %q is not contained in the job's directory", err.Path)
}

// CheckRelative rejects anything that is not a plain relative path:
// absolute and UNC paths, drive letters and parent references. Both slash
// styles are treated as separators since drivers run on any platform.
func CheckRelative(rel string) error {
	if rel == "" {
		return nil
	}

	if strings.ContainsRune(rel, 0) ||
		strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) ||
		filepath.IsAbs(rel) || hasDriveLetter(rel) {
		return &ErrPathEscape{Path: rel}
	}

	for _, segment := range strings.FieldsFunc(rel, isSeparator) {
		if segment == ".." {
			return &ErrPathEscape{Path: rel}
		}
	}

	return nil
}

func isSeparator(r rune) bool { return r == '/' || r == '\\' }

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func toSlash(rel string) string {
	return strings.ReplaceAll(rel, `\`, "/")
}

// Contain resolves rel against the filesystem directory root and returns
// the absolute result, or *ErrPathEscape if it would leave root. No
// filesystem access is made.
func Contain(root, rel string) (string, error) {
	if err := CheckRelative(rel); err != nil {
		return "", err
	}

	root = filepath.Clean(root)
	resolved := filepath.Join(root, filepath.FromSlash(toSlash(rel)))

	if !within(root, resolved) {
		return "", &ErrPathEscape{Path: rel}
	}
	return resolved, nil
}

// ContainPOSIX is Contain for paths inside a container, which always use
// forward slashes regardless of the agent's platform.
func ContainPOSIX(root, rel string) (string, error) {
	if err := CheckRelative(rel); err != nil {
		return "", err
	}

	root = path.Clean("/" + toSlash(root))
	resolved := path.Join(root, toSlash(rel))

	if resolved != root && !strings.HasPrefix(resolved, strings.TrimSuffix(root, "/")+"/") {
		return "", &ErrPathEscape{Path: rel}
	}
	return resolved, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// withinResolved is within after following symlinks on both sides. It is
// used once the lexical check has passed and the target is about to be
// opened.
func withinResolved(root, target string) bool {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false
	}
	realTarget, err := filepath.EvalSymlinks(target)
	if err != nil {
		return false
	}
	return within(realRoot, realTarget)
}
