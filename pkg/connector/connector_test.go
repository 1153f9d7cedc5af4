package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConnector struct {
	name string
}

func (s *stubConnector) Name() string { return s.name }

func (s *stubConnector) SendMessage(ctx context.Context, channelID string, msg Message) error {
	return nil
}

func (s *stubConnector) Capabilities() Capabilities { return Capabilities{} }

func TestRegistry(t *testing.T) {
	t.Run("register and get", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(&stubConnector{name: "telegram"}))

		assert.NotNil(t, r.Get("telegram"))
		assert.Nil(t, r.Get("missing"))
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(&stubConnector{name: "telegram"}))
		assert.Error(t, r.Register(&stubConnector{name: "telegram"}))
	})

	t.Run("rejects empty names", func(t *testing.T) {
		r := NewRegistry()
		assert.Error(t, r.Register(&stubConnector{name: "  "}))
		assert.Error(t, r.Register(nil))
	})

	t.Run("names sorted", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(&stubConnector{name: "webhook"}))
		require.NoError(t, r.Register(&stubConnector{name: "gateway"}))
		assert.Equal(t, []string{"gateway", "webhook"}, r.Names())
	})
}

func TestFormatTag(t *testing.T) {
	assert.Equal(t, "@web", FormatTag(PermissionAccess{Kind: PermissionWeb}))
	assert.Equal(t, "@write:/tmp", FormatTag(PermissionAccess{Kind: PermissionWrite, Path: "/tmp"}))
	assert.Equal(t, "@read:/data", FormatTag(PermissionAccess{Kind: PermissionRead, Path: "/data"}))
}

func TestDescribeAccess(t *testing.T) {
	assert.Equal(t, "web access", DescribeAccess(PermissionAccess{Kind: PermissionWeb}))
	assert.Equal(t, "read access to /data", DescribeAccess(PermissionAccess{Kind: PermissionRead, Path: "/data"}))
	assert.Equal(t, "write access to /tmp", DescribeAccess(PermissionAccess{Kind: PermissionWrite, Path: "/tmp"}))
}
