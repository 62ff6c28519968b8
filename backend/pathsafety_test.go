package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"simple relative", "a/b/c", "a/b/c", false},
		{"clean dot segment", "a/./b", "a/b", false},
		{"absolute rejected", "/etc/passwd", "", true},
		{"windows absolute rejected", `C:/Windows/System32`, "", true},
		{"traversal rejected", "a/../../etc/passwd", "", true},
		{"leading traversal rejected", "../escape", "", true},
		{"null byte rejected", "a/\x00b", "", true},
		{"url-encoded traversal rejected", "a/%2e%2e/b", "", true},
		{"url-encoded null byte rejected", "a%00b", "", true},
		{"empty path", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidatePath(tt.path)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsKind(err, PathTraversal))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
