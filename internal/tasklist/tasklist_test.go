package tasklist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lkisever/tiny-sftp/internal/transfer"
)

func parse(t *testing.T, input string) ([]transfer.Task, []RowError) {
	t.Helper()
	tasks, rejected, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	return tasks, rejected
}

// =============================================================================
// Parse
// =============================================================================

func TestParse_KeepsFileOrder(t *testing.T) {
	tasks, rejected := parse(t, "Source,Destination\n/r/a,/l/a\n/r/b,/l/b\n/r/a,/l/a2\n")

	assert.Empty(t, rejected)
	assert.Equal(t, []transfer.Task{
		{Source: "/r/a", Destination: "/l/a"},
		{Source: "/r/b", Destination: "/l/b"},
		{Source: "/r/a", Destination: "/l/a2"},
	}, tasks)
}

func TestParse_HeaderIsCaseInsensitiveAndTrimmed(t *testing.T) {
	tasks, _ := parse(t, " DESTINATION , source \n/l/x,/r/x\n")

	require.Len(t, tasks, 1)
	assert.Equal(t, "/r/x", tasks[0].Source)
	assert.Equal(t, "/l/x", tasks[0].Destination)
}

func TestParse_ByteOrderMark(t *testing.T) {
	tasks, _ := parse(t, "\ufeffSource,Destination\n/r/x,/l/x\n")
	assert.Len(t, tasks, 1)
}

func TestParse_TrimsValuesAndSkipsBlankLines(t *testing.T) {
	tasks, rejected := parse(t, "Source,Destination\n\n  /r/a ,  /l/a  \n   \n")

	assert.Empty(t, rejected)
	assert.Equal(t, []transfer.Task{{Source: "/r/a", Destination: "/l/a"}}, tasks)
}

func TestParse_QuotedPathsWithCommas(t *testing.T) {
	tasks, _ := parse(t, "Source,Destination\n\"/r/a,b.txt\",\"/l/a,b.txt\"\n")

	require.Len(t, tasks, 1)
	assert.Equal(t, "/r/a,b.txt", tasks[0].Source)
}

func TestParse_RejectsMalformedRows(t *testing.T) {
	input := strings.Join([]string{
		"Source,Destination",
		"/r/ok,/l/ok",       // line 2
		"/r/only-one-field", // line 3
		"/r/a,/l/a,extra",   // line 4
		",/l/empty-source",  // line 5
		"/r/empty-dest,",    // line 6
		"/r/ok2,/l/ok2",     // line 7
	}, "\n")

	tasks, rejected := parse(t, input)

	assert.Equal(t, []transfer.Task{
		{Source: "/r/ok", Destination: "/l/ok"},
		{Source: "/r/ok2", Destination: "/l/ok2"},
	}, tasks)

	require.Len(t, rejected, 4)
	assert.Equal(t, 3, rejected[0].Line)
	assert.Contains(t, rejected[0].Reason, "expected 2 fields, got 1")
	assert.Equal(t, 4, rejected[1].Line)
	assert.Equal(t, RowError{Line: 5, Reason: "empty Source"}, rejected[2])
	assert.Equal(t, RowError{Line: 6, Reason: "empty Destination"}, rejected[3])
	assert.Equal(t, "line 5: empty Source", rejected[2].Error())
}

func TestParse_RejectsUnparsableRowAndContinues(t *testing.T) {
	tasks, rejected := parse(t, "Source,Destination\n/r/a\"b,/l/x\n/r/c,/l/c\n")

	assert.Equal(t, []transfer.Task{{Source: "/r/c", Destination: "/l/c"}}, tasks)
	require.Len(t, rejected, 1)
	assert.Equal(t, 2, rejected[0].Line)
}

func TestParse_ExtraColumnsInHeader(t *testing.T) {
	tasks, rejected := parse(t, "Source,Comment,Destination\n/r/a,nightly,/l/a\n/r/b,/l/b\n")

	assert.Equal(t, []transfer.Task{{Source: "/r/a", Destination: "/l/a"}}, tasks)
	require.Len(t, rejected, 1)
	assert.Equal(t, 3, rejected[0].Line)
}

func TestParse_HeaderOnly(t *testing.T) {
	tasks, rejected := parse(t, "Source,Destination\n")
	assert.Empty(t, tasks)
	assert.Empty(t, rejected)
}

func TestParse_ListLevelErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty file", ""},
		{"missing destination", "Source,Target\n/r/a,/l/a\n"},
		{"missing both", "From,To\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(strings.NewReader(tt.input))
			assert.ErrorIs(t, err, ErrMissingColumn)
		})
	}
}

// =============================================================================
// Load
// =============================================================================

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "files.csv")
	require.NoError(t, os.WriteFile(path, []byte("Source,Destination\n/r/f1,/l/f1\n/r/missing,/l/missing\n"), 0o644))

	tasks, err := Load(path)

	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_BadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "files.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n"), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrMissingColumn)
}
