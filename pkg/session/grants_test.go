package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/nanny/pkg/connector"
)

func writeDecision(approved bool, path string) connector.PermissionDecision {
	return connector.PermissionDecision{
		Approved: approved,
		Access:   connector.PermissionAccess{Kind: connector.PermissionWrite, Path: path},
	}
}

func TestGrantsApply(t *testing.T) {
	t.Run("unapproved decision is a no-op", func(t *testing.T) {
		g := Grants{WriteDirs: []string{"/existing"}}
		g.Apply(writeDecision(false, "/tmp/new"))
		assert.Equal(t, []string{"/existing"}, g.WriteDirs)
	})

	t.Run("approved write adds path exactly once", func(t *testing.T) {
		g := Grants{}
		g.Apply(writeDecision(true, "/tmp/project"))
		g.Apply(writeDecision(true, "/tmp/project"))
		assert.Equal(t, []string{"/tmp/project"}, g.WriteDirs)
	})

	t.Run("relative path is a no-op", func(t *testing.T) {
		g := Grants{}
		g.Apply(writeDecision(true, "relative/path"))
		assert.Empty(t, g.WriteDirs)
	})

	t.Run("approved read adds to read set", func(t *testing.T) {
		g := Grants{}
		g.Apply(connector.PermissionDecision{
			Approved: true,
			Access:   connector.PermissionAccess{Kind: connector.PermissionRead, Path: "/data"},
		})
		assert.Equal(t, []string{"/data"}, g.ReadDirs)
		assert.Empty(t, g.WriteDirs)
	})

	t.Run("approved web sets boolean", func(t *testing.T) {
		g := Grants{}
		g.Apply(connector.PermissionDecision{
			Approved: true,
			Access:   connector.PermissionAccess{Kind: connector.PermissionWeb},
		})
		assert.True(t, g.Web)
	})
}

func TestGrantsClone(t *testing.T) {
	g := Grants{WorkingDir: "/w", WriteDirs: []string{"/a"}, ReadDirs: []string{"/b"}, Web: true}
	c := g.Clone()
	c.WriteDirs[0] = "/changed"
	assert.Equal(t, []string{"/a"}, g.WriteDirs)
}

func TestGrantsMergeDefault(t *testing.T) {
	g := Grants{WorkingDir: "/session", WriteDirs: []string{"/a"}, ReadDirs: []string{"/r"}}
	def := Grants{WorkingDir: "/default", WriteDirs: []string{"/a", "/b"}, Web: true}

	merged := g.MergeDefault(def)

	assert.Equal(t, "/session", merged.WorkingDir)
	assert.Equal(t, []string{"/a", "/b"}, merged.WriteDirs)
	assert.Equal(t, []string{"/r"}, merged.ReadDirs)
	assert.True(t, merged.Web)

	empty := Grants{}.MergeDefault(def)
	assert.Equal(t, "/default", empty.WorkingDir)
}

func TestBuildTask(t *testing.T) {
	def := Grants{WorkingDir: "/default", WriteDirs: []string{"/default"}, ReadDirs: []string{"/shared"}, Web: true}
	task := BuildTask(def, "/tasks/daily")

	assert.Equal(t, "/tasks/daily", task.WorkingDir)
	assert.Equal(t, []string{"/tasks/daily"}, task.WriteDirs)
	assert.Equal(t, []string{"/shared", "/tasks/daily"}, task.ReadDirs)
	assert.True(t, task.Web)
	// Original default profile is untouched
	assert.Equal(t, "/default", def.WorkingDir)
}

func TestEnsureDefaultFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes", "default.md")

	g := Grants{}
	g.EnsureDefaultFile(path)

	_, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Dir(path)}, g.WriteDirs)

	// Second call does not duplicate the grant
	g.EnsureDefaultFile(path)
	assert.Len(t, g.WriteDirs, 1)
}

func TestGrantsContains(t *testing.T) {
	g := Grants{
		WorkingDir: "/work",
		WriteDirs:  []string{"/tmp/out"},
		ReadDirs:   []string{"/data"},
	}

	assert.True(t, g.Contains(connector.PermissionAccess{Kind: connector.PermissionWrite, Path: "/tmp/out/file.txt"}))
	assert.True(t, g.Contains(connector.PermissionAccess{Kind: connector.PermissionWrite, Path: "/work/sub"}))
	assert.False(t, g.Contains(connector.PermissionAccess{Kind: connector.PermissionWrite, Path: "/etc"}))
	// Write grants imply read
	assert.True(t, g.Contains(connector.PermissionAccess{Kind: connector.PermissionRead, Path: "/tmp/out"}))
	assert.True(t, g.Contains(connector.PermissionAccess{Kind: connector.PermissionRead, Path: "/data/set"}))
	assert.False(t, g.Contains(connector.PermissionAccess{Kind: connector.PermissionWeb}))

	g.Web = true
	assert.True(t, g.Contains(connector.PermissionAccess{Kind: connector.PermissionWeb}))
}

func TestNormalizeState(t *testing.T) {
	def := Grants{WorkingDir: "/default"}

	t.Run("nil state gets defaults", func(t *testing.T) {
		st := NormalizeState(nil, def)
		require.NotNil(t, st)
		assert.NotNil(t, st.History)
		assert.Equal(t, "/default", st.Grants.WorkingDir)
	})

	t.Run("existing grants survive", func(t *testing.T) {
		st := NormalizeState(&State{Grants: Grants{WorkingDir: "/mine"}}, def)
		assert.Equal(t, "/mine", st.Grants.WorkingDir)
	})
}

func TestSanitizeRouting(t *testing.T) {
	ctx := connector.MessageContext{
		ChannelID:      "c1",
		UserID:         "u1",
		MessageID:      "m1",
		PermissionTags: []string{"@web"},
	}
	out := SanitizeRouting(ctx)
	assert.Equal(t, "c1", out.ChannelID)
	assert.Equal(t, "u1", out.UserID)
	assert.Empty(t, out.MessageID)
	assert.Nil(t, out.PermissionTags)
}
