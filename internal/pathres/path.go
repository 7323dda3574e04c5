// Package pathres maps the virtual namespace of a mount onto the host
// directory that backs it.
//
// Virtual paths always use forward slashes and are absolute once passed
// through Abs. Real paths are host paths rooted at the mount's RealRoot.
// Resolution is purely textual: nothing here touches the host file system.
package pathres

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"fatoverlay/internal/logging"
)

var (
	pathLogger = logging.GetLogger().WithPrefix("pathres")

	// ErrOutOfJail indicates a virtual path that escapes the mount root
	ErrOutOfJail = errors.New("path escapes the mount root")

	// ErrInvalidRoot indicates an unusable virtual or real root
	ErrInvalidRoot = errors.New("invalid mount root")
)

// Separator is the virtual path separator.
const Separator = "/"

// Home is the shorthand for the virtual root.
const Home = "~"

// Simplify collapses a virtual path textually: empty and "." segments are
// dropped, ".." pops the previous segment (never past the top), and the
// result is rejoined with a leading separator. An empty result is "/".
func Simplify(p string) string {
	stack := make([]string, 0, strings.Count(p, Separator)+1)
	for _, part := range strings.Split(p, Separator) {
		switch part {
		case "", ".":
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, part)
		}
	}
	if len(stack) == 0 {
		return Separator
	}
	return Separator + strings.Join(stack, Separator)
}

// Join appends name to a virtual directory path and simplifies the result.
func Join(dir, name string) string {
	return Simplify(dir + Separator + name)
}

// Base returns the last element of a virtual path.
func Base(p string) string {
	return path.Base(Simplify(p))
}

// Parent returns the parent of a virtual path. The parent of "/" is "/".
func Parent(p string) string {
	return path.Dir(Simplify(p))
}

// Mount describes where the virtual namespace lives on the host and which
// virtual directory the session is currently in.
type Mount struct {
	VirtualRoot string // virtual prefix beyond which nothing resolves
	RealRoot    string // absolute host directory backing VirtualRoot
	CurrentPath string // always within VirtualRoot
}

// NewMount builds a Mount with CurrentPath set to the virtual root.
func NewMount(virtualRoot, realRoot string) (*Mount, error) {
	if virtualRoot == "" || !strings.HasPrefix(virtualRoot, Separator) {
		return nil, fmt.Errorf("%w: virtual root %q must be absolute", ErrInvalidRoot, virtualRoot)
	}
	if realRoot == "" {
		return nil, fmt.Errorf("%w: real root is empty", ErrInvalidRoot)
	}
	absReal, err := filepath.Abs(realRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}

	vroot := Simplify(virtualRoot)
	m := &Mount{
		VirtualRoot: vroot,
		RealRoot:    filepath.Clean(absReal),
		CurrentPath: vroot,
	}
	pathLogger.Debug("Created mount %q -> %q", m.VirtualRoot, m.RealRoot)
	return m, nil
}

// IsWithinRoot reports whether the virtual path p lies inside the virtual
// root. The match is on whole segments, so "/homework" is not within "/home".
func (m *Mount) IsWithinRoot(p string) bool {
	if m.VirtualRoot == Separator {
		return strings.HasPrefix(p, Separator)
	}
	return p == m.VirtualRoot || strings.HasPrefix(p, m.VirtualRoot+Separator)
}

// Abs turns p into an absolute, simplified virtual path. An empty p means
// the current path; "~" at the start stands for the virtual root; relative
// paths are taken from the current path.
func (m *Mount) Abs(p string) string {
	switch {
	case p == "":
		return m.CurrentPath
	case p == Home:
		return m.VirtualRoot
	case strings.HasPrefix(p, Home+Separator):
		return Simplify(m.VirtualRoot + p[len(Home):])
	case strings.HasPrefix(p, Separator):
		return Simplify(p)
	default:
		return Simplify(m.CurrentPath + Separator + p)
	}
}

// Rel returns the part of an absolute virtual path below the virtual root,
// without a leading separator. The root itself yields "".
func (m *Mount) Rel(p string) (string, error) {
	if !m.IsWithinRoot(p) {
		return "", ErrOutOfJail
	}
	if m.VirtualRoot == Separator {
		return strings.TrimPrefix(p, Separator), nil
	}
	return strings.TrimPrefix(strings.TrimPrefix(p, m.VirtualRoot), Separator), nil
}

// Resolve maps a virtual path to its host path. The virtual path is made
// absolute and simplified first; anything that lands outside the virtual
// root fails with ErrOutOfJail. The result never ends in a separator.
func (m *Mount) Resolve(p string) (string, error) {
	abs := m.Abs(p)
	rel, err := m.Rel(abs)
	if err != nil {
		pathLogger.Debug("Refusing %q: resolves to %q outside %q", p, abs, m.VirtualRoot)
		return "", fmt.Errorf("%q: %w", abs, err)
	}
	real := filepath.Join(m.RealRoot, filepath.FromSlash(rel))
	pathLogger.Trace("Resolved %q -> %q", p, real)
	return real, nil
}

// Virtual maps a host path under RealRoot back to its virtual path.
func (m *Mount) Virtual(real string) (string, error) {
	rel, err := filepath.Rel(m.RealRoot, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", real, ErrOutOfJail)
	}
	if rel == "." {
		return m.VirtualRoot, nil
	}
	return Join(m.VirtualRoot, filepath.ToSlash(rel)), nil
}

// SetCurrent moves the session to the virtual directory p. It only checks
// the jail; existence is the caller's concern.
func (m *Mount) SetCurrent(p string) error {
	abs := m.Abs(p)
	if !m.IsWithinRoot(abs) {
		return fmt.Errorf("%q: %w", abs, ErrOutOfJail)
	}
	m.CurrentPath = abs
	return nil
}
