package storage

import (
	"bytes"
	"path/filepath"
	"reflect"
	"runtime"
	"slices"
	"testing"

	"github.com/nspcc-dev/rpcnode/pkg/core/storage/dbconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dbSetup struct {
	name   string
	create func(testing.TB) Store
}

type dbTestFunction func(*testing.T, Store)

func newBoltStoreForTesting(t testing.TB) Store {
	d := t.TempDir()
	testFileName := filepath.Join(d, "test_bolt_db")
	boltDBStore, err := NewBoltDBStore(dbconfig.BoltDBOptions{FilePath: testFileName})
	require.NoError(t, err)
	return boltDBStore
}

func newLevelDBForTesting(t testing.TB) Store {
	ldbDir := t.TempDir()
	dbConfig := dbconfig.DBConfiguration{
		Type: dbconfig.LevelDB,
		LevelDBOptions: dbconfig.LevelDBOptions{
			DataDirectoryPath: ldbDir,
		},
	}
	newLevelStore, err := NewStore(dbConfig)
	require.Nil(t, err, "NewLevelDBStore error")
	return newLevelStore
}

func newMemoryStoreForTesting(t testing.TB) Store {
	return NewMemoryStore()
}

func testStoreGetNonExistent(t *testing.T, s Store) {
	key := []byte("sparse")

	_, err := s.Get(key)
	assert.Equal(t, err, ErrKeyNotFound)
}

func testStorePutGetDelete(t *testing.T, s Store) {
	var (
		key   = []byte("sparse")
		value = []byte("rocks")
	)

	require.NoError(t, s.PutChangeSet(map[string][]byte{string(key): value}))

	newVal, err := s.Get(key)
	require.NoError(t, err)
	require.Equal(t, value, newVal)

	require.NoError(t, s.PutChangeSet(map[string][]byte{string(key): nil}))
	_, err = s.Get(key)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func pushSeekDataSet(t *testing.T, s Store) []KeyValue {
	// Use the same set of kvs to test Seek with different prefix/start values.
	kvs := []KeyValue{
		{[]byte("10"), []byte("bar")},
		{[]byte("11"), []byte("bara")},
		{[]byte("20"), []byte("barb")},
		{[]byte("21"), []byte("barc")},
		{[]byte("22"), []byte("bard")},
		{[]byte("30"), []byte("bare")},
		{[]byte("31"), []byte("barf")},
	}
	puts := make(map[string][]byte, len(kvs))
	for _, v := range kvs {
		puts[string(v.Key)] = v.Value
	}
	require.NoError(t, s.PutChangeSet(puts))
	return kvs
}

func testStoreSeek(t *testing.T, s Store) {
	kvs := pushSeekDataSet(t, s)
	check := func(t *testing.T, goodprefix, start []byte, goodkvs []KeyValue, backwards bool, cont func(k, v []byte) bool) {
		// Seek result expected to be sorted in an ascending (for forwards seeking) or descending (for backwards seeking) way.
		slices.SortFunc(goodkvs, func(a, b KeyValue) int {
			if backwards {
				return bytes.Compare(b.Key, a.Key)
			}
			return bytes.Compare(a.Key, b.Key)
		})

		rng := SeekRange{
			Prefix:    goodprefix,
			Start:     start,
			Backwards: backwards,
		}
		actual := make([]KeyValue, 0, len(goodkvs))
		s.Seek(rng, func(k, v []byte) bool {
			actual = append(actual, KeyValue{
				Key:   bytes.Clone(k),
				Value: bytes.Clone(v),
			})
			if cont == nil {
				return true
			}
			return cont(k, v)
		})
		assert.Equal(t, goodkvs, actual)
	}

	t.Run("non-empty prefix, empty start", func(t *testing.T) {
		t.Run("forwards", func(t *testing.T) {
			t.Run("good", func(t *testing.T) {
				check(t, []byte("2"), nil, []KeyValue{kvs[2], kvs[3], kvs[4]}, false, nil)
			})
			t.Run("no matching items", func(t *testing.T) {
				check(t, []byte("0"), nil, []KeyValue{}, false, nil)
			})
			t.Run("early stop", func(t *testing.T) {
				check(t, []byte("2"), nil, []KeyValue{kvs[2], kvs[3]}, false, func(k, v []byte) bool {
					return string(k) < "21"
				})
			})
		})
		t.Run("backwards", func(t *testing.T) {
			t.Run("good", func(t *testing.T) {
				check(t, []byte("2"), nil, []KeyValue{kvs[4], kvs[3], kvs[2]}, true, nil)
			})
			t.Run("no matching items", func(t *testing.T) {
				check(t, []byte("0"), nil, []KeyValue{}, true, nil)
			})
			t.Run("last prefix", func(t *testing.T) {
				check(t, []byte("3"), nil, []KeyValue{kvs[6], kvs[5]}, true, nil)
			})
		})
	})

	t.Run("non-empty prefix, non-empty start", func(t *testing.T) {
		t.Run("forwards", func(t *testing.T) {
			t.Run("good", func(t *testing.T) {
				check(t, []byte("2"), []byte("1"), []KeyValue{kvs[3], kvs[4]}, false, nil)
			})
			t.Run("no matching items", func(t *testing.T) {
				// start is more than all keys prefixed by '2'.
				check(t, []byte("2"), []byte("3"), []KeyValue{}, false, nil)
			})
		})
		t.Run("backwards", func(t *testing.T) {
			t.Run("good", func(t *testing.T) {
				check(t, []byte("2"), []byte("1"), []KeyValue{kvs[3], kvs[2]}, true, nil)
			})
			t.Run("no matching items", func(t *testing.T) {
				// start is less than all keys prefixed by '2'.
				check(t, []byte("2"), []byte("."), []KeyValue{}, true, nil)
			})
		})
	})

	t.Run("empty prefix", func(t *testing.T) {
		check(t, nil, nil, slices.Clone(kvs), false, nil)
	})
}

func TestAllDBs(t *testing.T) {
	var DBs = []dbSetup{
		{"BoltDB", newBoltStoreForTesting},
		{"LevelDB", newLevelDBForTesting},
		{"Memory", newMemoryStoreForTesting},
	}
	var tests = []dbTestFunction{testStoreGetNonExistent, testStorePutGetDelete, testStoreSeek}
	for _, db := range DBs {
		for _, test := range tests {
			s := db.create(t)
			twrapper := func(t *testing.T) {
				test(t, s)
			}
			fname := runtime.FuncForPC(reflect.ValueOf(test).Pointer()).Name()
			t.Run(db.name+"/"+fname, twrapper)
			require.NoError(t, s.Close())
		}
	}
}

func TestNewStore(t *testing.T) {
	_, err := NewStore(dbconfig.DBConfiguration{Type: "redis"})
	require.Error(t, err)

	s, err := NewStore(dbconfig.DBConfiguration{Type: dbconfig.InMemoryDB})
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(dbconfig.DBConfiguration{
		Type:          dbconfig.BoltDB,
		BoltDBOptions: dbconfig.BoltDBOptions{FilePath: filepath.Join(t.TempDir(), "sub", "bolt.db")},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
