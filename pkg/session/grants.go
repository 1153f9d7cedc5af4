package session

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/harun/nanny/pkg/connector"
)

// Grants is a session's capability profile. Within a session it only
// grows, except on explicit reset or a scheduled-task override.
type Grants struct {
	WorkingDir string   `json:"working_dir,omitempty"`
	WriteDirs  []string `json:"write_dirs,omitempty"`
	ReadDirs   []string `json:"read_dirs,omitempty"`
	Web        bool     `json:"web,omitempty"`
}

// Apply folds an approved permission decision into the grants.
// Unapproved decisions and filesystem decisions with relative paths are
// no-ops; path grants union exactly once.
func (g *Grants) Apply(decision connector.PermissionDecision) {
	if !decision.Approved {
		return
	}
	if decision.Access.Kind == connector.PermissionWeb {
		g.Web = true
		return
	}
	if !filepath.IsAbs(decision.Access.Path) {
		return
	}
	resolved := filepath.Clean(decision.Access.Path)
	switch decision.Access.Kind {
	case connector.PermissionWrite:
		g.WriteDirs = appendUnique(g.WriteDirs, resolved)
	case connector.PermissionRead:
		g.ReadDirs = appendUnique(g.ReadDirs, resolved)
	}
}

// Clone returns a deep copy.
func (g Grants) Clone() Grants {
	out := g
	out.WriteDirs = append([]string(nil), g.WriteDirs...)
	out.ReadDirs = append([]string(nil), g.ReadDirs...)
	return out
}

// MergeDefault unions the grants with the system default profile:
// path sets union, web ORs, working dir falls back to the default when
// unset.
func (g Grants) MergeDefault(def Grants) Grants {
	out := g.Clone()
	if out.WorkingDir == "" {
		out.WorkingDir = def.WorkingDir
	}
	for _, dir := range def.WriteDirs {
		out.WriteDirs = appendUnique(out.WriteDirs, dir)
	}
	for _, dir := range def.ReadDirs {
		out.ReadDirs = appendUnique(out.ReadDirs, dir)
	}
	out.Web = out.Web || def.Web
	return out
}

// BuildTask returns the file-scoped override profile for a scheduled-task
// turn: the task's files path becomes the working and write scope, read
// access keeps the default set plus the files path.
func BuildTask(def Grants, filesPath string) Grants {
	out := def.Clone()
	out.WorkingDir = filesPath
	out.WriteDirs = []string{filesPath}
	out.ReadDirs = appendUnique(out.ReadDirs, filesPath)
	return out
}

// EnsureDefaultFile makes sure the default writable file exists and its
// directory is write-granted. Failures are logged, not propagated.
func (g *Grants) EnsureDefaultFile(path string) {
	if path == "" {
		return
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Default grant file directory create failed")
		return
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Default grant file create failed")
			return
		}
	}
	g.WriteDirs = appendUnique(g.WriteDirs, dir)
}

// Contains reports whether the grants cover one access.
func (g Grants) Contains(access connector.PermissionAccess) bool {
	switch access.Kind {
	case connector.PermissionWeb:
		return g.Web
	case connector.PermissionWrite:
		return pathCovered(g.WriteDirs, g.WorkingDir, access.Path)
	case connector.PermissionRead:
		// Write access implies read access to the same tree.
		return pathCovered(g.ReadDirs, g.WorkingDir, access.Path) ||
			pathCovered(g.WriteDirs, g.WorkingDir, access.Path)
	default:
		return false
	}
}

func pathCovered(dirs []string, workingDir string, target string) bool {
	if target == "" {
		return false
	}
	target = filepath.Clean(target)
	candidates := dirs
	if workingDir != "" {
		candidates = append(append([]string(nil), dirs...), workingDir)
	}
	for _, dir := range candidates {
		dir = filepath.Clean(dir)
		if target == dir || strings.HasPrefix(target, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
