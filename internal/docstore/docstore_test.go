package docstore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/denorm/internal/ir"
)

func TestChangeKind(t *testing.T) {
	present := Snapshot{Path: "places/p1", Exists: true}
	absent := Missing("places/p1")

	assert.Equal(t, ChangeCreate, Change{Before: absent, After: present}.Kind())
	assert.Equal(t, ChangeUpdate, Change{Before: present, After: present}.Kind())
	assert.Equal(t, ChangeDelete, Change{Before: present, After: absent}.Kind())
	assert.Equal(t, ChangeKind(0), Change{Before: absent, After: absent}.Kind())
	assert.Equal(t, "delete", ChangeDelete.String())
}

func TestSnapshotID(t *testing.T) {
	assert.Equal(t, "ja", Snapshot{Path: "places/p1/locales/ja"}.ID())
	assert.Equal(t, "places/p1", Missing("/places/p1/").Path)
}

func TestToNativeConvertsTimes(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	data := ir.IRObject{
		"at":    ir.NewIRTime(at),
		"range": ir.IRArray{ir.NewIRTime(at), ir.NewIRTime(at.Add(time.Hour))},
		"ref":   ir.IRRef("users/u1"),
		"inner": ir.IRObject{"at": ir.NewIRTime(at)},
	}

	native := ToNative(data)

	assert.Equal(t, ir.NewIRTimestamp(at), native["at"])
	assert.Equal(t, ir.NewIRTimestamp(at.Add(time.Hour)), native["range"].(ir.IRArray)[1])
	assert.Equal(t, ir.IRRef("users/u1"), native["ref"])
	assert.Equal(t, ir.NewIRTimestamp(at), native["inner"].(ir.IRObject)["at"])
	assert.IsType(t, ir.IRTime{}, data["at"], "input is not mutated")
}

func TestMerge(t *testing.T) {
	base := ir.IRObject{"a": ir.IRInt(1), "b": ir.IRInt(2)}
	out := Merge(base, ir.IRObject{"b": ir.IRInt(3), "c": ir.IRInt(4)})

	assert.Equal(t, ir.IRObject{"a": ir.IRInt(1), "b": ir.IRInt(3), "c": ir.IRInt(4)}, out)
	assert.Equal(t, ir.IRInt(2), base["b"])
}

func TestMemberKeys(t *testing.T) {
	keys := MemberKeys(ir.IRObject{
		"dependencies": ir.StringArray("places/p1", "places/p2", "places/p1"),
		"mixed":        ir.IRArray{ir.IRInt(1), ir.IRObject{"x": ir.IRInt(1)}},
		"scalar":       ir.IRString("x"),
	})

	assert.Equal(t, []string{`"places/p1"`, `"places/p2"`}, keys["dependencies"])
	assert.Equal(t, []string{"1"}, keys["mixed"])
	assert.NotContains(t, keys, "scalar")
}

func TestErrorHelpers(t *testing.T) {
	err := Unavailable(errors.New("database is locked"))
	assert.True(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "database is locked")
	assert.False(t, IsUnavailable(ErrConflict))

	require.NoError(t, CheckDocumentPath("places/p1"))
	assert.ErrorIs(t, CheckDocumentPath("places"), ErrInvalidPath)
	assert.ErrorIs(t, CheckDocumentPath("places/{id}"), ErrInvalidPath)
}
