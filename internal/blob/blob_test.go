package blob

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	k1 := Key(7, "../../etc/passwd")
	k2 := Key(7, "../../etc/passwd")
	assert.True(t, strings.HasPrefix(k1, "7/"))
	assert.True(t, strings.HasSuffix(k1, "-passwd"))
	assert.NotEqual(t, k1, k2)
	assert.NotContains(t, k1, "..")

	assert.True(t, strings.HasSuffix(Key(1, `C:\docs\report.pdf`), "-report.pdf"))
	assert.True(t, strings.HasSuffix(Key(1, ""), "-upload"))
}

func TestStore_PutOpenDelete(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	location, err := s.Put(ctx, 1, "notes.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location, "file://"))

	rc, err := s.Open(ctx, location)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, s.Delete(ctx, location))
	require.NoError(t, s.Delete(ctx, location), "deleting twice is fine")

	_, err = s.Open(ctx, location)
	assert.Error(t, err)
}

func TestNew_RejectsEmpty(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
