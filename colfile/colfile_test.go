package colfile

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/internal/hash"
	"github.com/arejula27/otree/objstore"
)

func testSchema() Schema {
	return Schema{Columns: []Column{
		{Name: "user_id", Kind: KindInt64},
		{Name: "score", Kind: KindFloat64},
	}}
}

func readBlocks(t *testing.T, store objstore.Store, path string) []*Block {
	t.Helper()

	ctx := context.Background()

	blob, err := store.Open(ctx, path)
	require.NoError(t, err)
	defer blob.Close()

	r, err := OpenReader(ctx, blob)
	require.NoError(t, err)
	defer r.Close()

	var blocks []*Block

	for {
		blk, err := r.Next()
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
		blocks = append(blocks, blk)
	}

	return blocks
}

func rawBytes(t *testing.T, store objstore.Store, path string) []byte {
	t.Helper()

	ctx := context.Background()

	blob, err := store.Open(ctx, path)
	require.NoError(t, err)
	defer blob.Close()

	rc, err := blob.ReadRange(ctx, 0, blob.Size())
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)

	return data
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()
	root := core.RootCube()
	child := root.Child(1)

	rows := []Row{
		{Cube: root, Weight: -500, Values: []any{int64(1), 2.5}, Payload: []byte("alpha")},
		{Cube: root, Weight: 900, Values: []any{int64(2), -0.25}},
		{Cube: child, Weight: 7, Replicated: true, Values: []any{int64(3), 0.0}, Payload: []byte("gamma")},
	}

	w, err := New(store).Create(ctx, "t/f1.bin", testSchema())
	require.NoError(t, err)

	for _, row := range rows {
		require.NoError(t, w.WriteRow(row))
	}

	res, err := w.Close()
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.RowCount)
	require.Len(t, res.Blocks, 2)
	assert.Equal(t, BlockInfo{Cube: root, ElementCount: 2, MinWeight: -500, MaxWeight: 900}, res.Blocks[0])
	assert.Equal(t, BlockInfo{Cube: child, Replicated: true, ElementCount: 1, MinWeight: 7, MaxWeight: 7}, res.Blocks[1])

	assert.Equal(t, int64(len(rawBytes(t, store, "t/f1.bin"))), res.BytesWritten)

	blocks := readBlocks(t, store, "t/f1.bin")
	require.Len(t, blocks, 2)

	require.Len(t, blocks[0].Rows, 2)
	assert.Equal(t, root, blocks[0].Cube)
	assert.False(t, blocks[0].Replicated)
	assert.Equal(t, rows[0], blocks[0].Rows[0])
	assert.Equal(t, rows[1], blocks[0].Rows[1])

	require.Len(t, blocks[1].Rows, 1)
	assert.Equal(t, child, blocks[1].Cube)
	assert.True(t, blocks[1].Replicated)
	assert.Equal(t, rows[2], blocks[1].Rows[0])
}

func TestAllValueKinds(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()

	schema := Schema{Columns: []Column{
		{Name: "a", Kind: KindInt64},
		{Name: "b", Kind: KindFloat64},
		{Name: "c", Kind: KindString},
		{Name: "d", Kind: KindBytes},
		{Name: "e", Kind: KindBool},
		{Name: "f", Kind: KindTime},
	}}

	stamp := time.Date(2024, 11, 3, 16, 30, 0, 123456789, time.FixedZone("CET", 3600))

	w, err := New(store).Create(ctx, "kinds.bin", schema)
	require.NoError(t, err)

	// Narrower input types are widened on write.
	require.NoError(t, w.WriteRow(Row{
		Cube:   core.RootCube(),
		Weight: 1,
		Values: []any{int(42), float32(1.5), "hello", []byte{0xde, 0xad}, true, stamp},
	}))
	require.NoError(t, w.WriteRow(Row{
		Cube:   core.RootCube(),
		Weight: 2,
		Values: []any{nil, nil, nil, nil, nil, nil},
	}))

	_, err = w.Close()
	require.NoError(t, err)

	blocks := readBlocks(t, store, "kinds.bin")
	require.Len(t, blocks, 1)
	require.Len(t, blocks[0].Rows, 2)

	got := blocks[0].Rows[0].Values
	assert.Equal(t, int64(42), got[0])
	assert.Equal(t, 1.5, got[1])
	assert.Equal(t, "hello", got[2])
	assert.Equal(t, []byte{0xde, 0xad}, got[3])
	assert.Equal(t, true, got[4])

	// Times come back in UTC but denote the same instant.
	gotTime, ok := got[5].(time.Time)
	require.True(t, ok)
	assert.True(t, gotTime.Equal(stamp))
	assert.Equal(t, time.UTC, gotTime.Location())

	for _, v := range blocks[0].Rows[1].Values {
		assert.Nil(t, v)
	}
}

func TestCompressionCodecs(t *testing.T) {
	ctx := context.Background()

	sizes := make(map[Compression]int64)

	for _, codec := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			store := objstore.NewMemory()

			w, err := New(store, func(o *Options) { o.Compression = codec }).Create(ctx, "f.bin", testSchema())
			require.NoError(t, err)

			for i := range 500 {
				require.NoError(t, w.WriteRow(Row{
					Cube:    core.RootCube(),
					Weight:  core.Weight(i),
					Values:  []any{int64(i), float64(i % 7)},
					Payload: []byte("the same payload on every row compresses well"),
				}))
			}

			res, err := w.Close()
			require.NoError(t, err)
			sizes[codec] = res.BytesWritten

			blocks := readBlocks(t, store, "f.bin")
			require.Len(t, blocks, 1)
			require.Len(t, blocks[0].Rows, 500)
			assert.Equal(t, core.Weight(499), blocks[0].Rows[499].Weight)
		})
	}

	assert.Less(t, sizes[CompressionLZ4], sizes[CompressionNone])
	assert.Less(t, sizes[CompressionZstd], sizes[CompressionNone])
}

func TestIncompressibleBlockStoredRaw(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()

	// A single short row cannot shrink, so the block falls back to raw
	// storage and must still read back under the same codec setting.
	for _, codec := range []Compression{CompressionLZ4, CompressionZstd} {
		path := "raw-" + codec.String() + ".bin"

		w, err := New(store, func(o *Options) { o.Compression = codec }).Create(ctx, path, testSchema())
		require.NoError(t, err)
		require.NoError(t, w.WriteRow(Row{Cube: core.RootCube(), Weight: 3, Values: []any{int64(9), 0.5}}))

		_, err = w.Close()
		require.NoError(t, err)

		blocks := readBlocks(t, store, path)
		require.Len(t, blocks, 1)
		assert.Equal(t, core.Weight(3), blocks[0].Rows[0].Weight)
	}
}

func TestRowsMustBeContiguous(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()
	root := core.RootCube()

	w, err := New(store).Create(ctx, "f.bin", testSchema())
	require.NoError(t, err)

	require.NoError(t, w.WriteRow(Row{Cube: root, Values: []any{int64(1), 1.0}}))
	require.NoError(t, w.WriteRow(Row{Cube: root.Child(0), Values: []any{int64(2), 2.0}}))

	err = w.WriteRow(Row{Cube: root, Values: []any{int64(3), 3.0}})
	require.ErrorContains(t, err, "not contiguous")
}

func TestReplicatedRowsFormOwnBlock(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()
	root := core.RootCube()

	w, err := New(store).Create(ctx, "f.bin", testSchema())
	require.NoError(t, err)

	// The same cube may hold source rows and replicated rows in one file;
	// they land in separate blocks.
	require.NoError(t, w.WriteRow(Row{Cube: root, Weight: 1, Values: []any{int64(1), 1.0}}))
	require.NoError(t, w.WriteRow(Row{Cube: root, Weight: 2, Replicated: true, Values: []any{int64(2), 2.0}}))

	// Returning to an already sealed block is refused like any other
	// out-of-order write.
	err = w.WriteRow(Row{Cube: root, Weight: 3, Values: []any{int64(3), 3.0}})
	require.ErrorContains(t, err, "not contiguous")

	res, err := w.Close()
	require.NoError(t, err)
	require.Len(t, res.Blocks, 2)
	assert.False(t, res.Blocks[0].Replicated)
	assert.True(t, res.Blocks[1].Replicated)

	blocks := readBlocks(t, store, "f.bin")
	require.Len(t, blocks, 2)
	assert.Equal(t, root, blocks[0].Cube)
	assert.Equal(t, root, blocks[1].Cube)
	assert.False(t, blocks[0].Replicated)
	assert.True(t, blocks[1].Replicated)
}

func TestWriterRejectsBadRows(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()

	w, err := New(store).Create(ctx, "f.bin", testSchema())
	require.NoError(t, err)

	err = w.WriteRow(Row{Cube: core.RootCube(), Values: []any{int64(1)}})
	require.ErrorContains(t, err, "schema has 2 columns")

	err = w.WriteRow(Row{Cube: core.RootCube(), Values: []any{"nope", 1.0}})
	require.ErrorContains(t, err, `column "user_id"`)

	// Rejected rows do not poison the writer.
	require.NoError(t, w.WriteRow(Row{Cube: core.RootCube(), Values: []any{int64(1), 1.0}}))

	res, err := w.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowCount)
}

func TestEmptyFile(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()

	w, err := New(store).Create(ctx, "empty.bin", testSchema())
	require.NoError(t, err)

	res, err := w.Close()
	require.NoError(t, err)
	assert.Zero(t, res.RowCount)
	assert.Empty(t, res.Blocks)

	blob, err := store.Open(ctx, "empty.bin")
	require.NoError(t, err)
	defer blob.Close()

	r, err := OpenReader(ctx, blob)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, testSchema(), r.Schema())

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestWriterCloseIsFinal(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()

	w, err := New(store).Create(ctx, "f.bin", testSchema())
	require.NoError(t, err)

	_, err = w.Close()
	require.NoError(t, err)

	require.ErrorContains(t, w.WriteRow(Row{Cube: core.RootCube(), Values: []any{int64(1), 1.0}}), "closed")

	_, err = w.Close()
	require.ErrorContains(t, err, "closed")
}

func writeSampleFile(t *testing.T, store objstore.Store, path string, codec Compression) {
	t.Helper()

	ctx := context.Background()

	w, err := New(store, func(o *Options) { o.Compression = codec }).Create(ctx, path, testSchema())
	require.NoError(t, err)

	for i := range 10 {
		require.NoError(t, w.WriteRow(Row{
			Cube:    core.RootCube(),
			Weight:  core.Weight(i),
			Values:  []any{int64(i), float64(i)},
			Payload: []byte("payload"),
		}))
	}

	_, err = w.Close()
	require.NoError(t, err)
}

func TestCorruptFiles(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()

	writeSampleFile(t, store, "good.bin", CompressionZstd)
	good := rawBytes(t, store, "good.bin")

	open := func(t *testing.T, data []byte) error {
		require.NoError(t, store.Put(ctx, "bad.bin", data))

		blob, err := store.Open(ctx, "bad.bin")
		require.NoError(t, err)
		defer blob.Close()

		r, err := OpenReader(ctx, blob)
		if err != nil {
			return err
		}
		defer r.Close()

		for {
			if _, err := r.Next(); err != nil {
				if err == io.EOF {
					return nil
				}

				return err
			}
		}
	}

	t.Run("bad magic", func(t *testing.T) {
		data := append([]byte(nil), good...)
		data[0] ^= 0xff

		err := open(t, data)
		require.ErrorIs(t, err, ErrCorrupt)
		assert.ErrorContains(t, err, "invalid header magic")
	})

	t.Run("unsupported version", func(t *testing.T) {
		data := append([]byte(nil), good...)
		data[4] = 0xff

		err := open(t, data)
		require.ErrorIs(t, err, ErrCorrupt)
		assert.ErrorContains(t, err, "unsupported version")
	})

	t.Run("flipped payload byte", func(t *testing.T) {
		data := append([]byte(nil), good...)
		data[len(data)-5] ^= 0x01

		err := open(t, data)
		require.ErrorIs(t, err, ErrCorrupt)
		assert.ErrorContains(t, err, "checksum mismatch")
	})

	t.Run("flipped checksum", func(t *testing.T) {
		data := append([]byte(nil), good...)
		data[len(data)-1] ^= 0x01

		err := open(t, data)
		require.ErrorIs(t, err, ErrCorrupt)
		assert.ErrorContains(t, err, "checksum mismatch")
	})

	t.Run("truncated block", func(t *testing.T) {
		err := open(t, good[:len(good)-3])
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("truncated header", func(t *testing.T) {
		err := open(t, good[:headerFixedLen-2])
		require.ErrorIs(t, err, ErrCorrupt)
		assert.ErrorContains(t, err, "truncated header")
	})
}

func TestMalformedCubeBytes(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()

	// The header of an empty file is a valid prefix; append a crafted raw
	// block whose checksum is right but whose cube depth is impossible.
	w, err := New(store, func(o *Options) { o.Compression = CompressionNone }).Create(ctx, "header-only.bin", testSchema())
	require.NoError(t, err)

	_, err = w.Close()
	require.NoError(t, err)

	data := rawBytes(t, store, "header-only.bin")

	body := []byte{
		1,    // cube byte length
		0x21, // depth 33, beyond any supported tree
		0,    // flags
		0, 0, 0, 0, // row count
	}

	frame := make([]byte, blockFrameLen)
	frame[0] = byte(CompressionNone)
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[5:9], uint32(len(body)))

	data = append(data, frame...)
	data = append(data, body...)
	data = binary.LittleEndian.AppendUint32(data, hash.CRC32C(body))

	require.NoError(t, store.Put(ctx, "bad-cube.bin", data))

	blob, err := store.Open(ctx, "bad-cube.bin")
	require.NoError(t, err)
	defer blob.Close()

	r, err := OpenReader(ctx, blob)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	require.ErrorIs(t, err, ErrCorrupt)
	require.ErrorIs(t, err, core.ErrMalformedCubeID)
}
