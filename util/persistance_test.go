package util_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/powsubnet/util"
)

type record struct {
	Name   string
	Count  uint64
	Stamp  int64
	Active bool
	Data   []byte
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	in := record{Name: "m1", Count: 7, Stamp: -3, Active: true, Data: []byte{1, 2, 3}}

	data, err := util.Encode(&in)
	require.NoError(t, err)

	var out record
	require.NoError(t, util.Decode(data, &out))
	require.Equal(t, in, out)
}

func TestDecodeTruncated(t *testing.T) {
	t.Parallel()
	data, err := util.Encode(&record{Name: "m1"})
	require.NoError(t, err)

	var out record
	require.Error(t, util.Decode(data[:len(data)/2], &out))
}

func TestPersistLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state")
	in := record{Name: "miner", Count: 1}

	require.NoError(t, util.Persist(path, &in))
	var out record
	require.NoError(t, util.Load(path, &out))
	require.Equal(t, in.Name, out.Name)
	require.Equal(t, in.Count, out.Count)

	require.ErrorIs(t, util.Load(filepath.Join(t.TempDir(), "missing"), &out), os.ErrNotExist)
}
