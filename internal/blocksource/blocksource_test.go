package blocksource

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainmodel/indexer/internal/domain"
)

func TestSourceSpec_Key_SingleVerb(t *testing.T) {
	src := SourceSpec{Path: "blocks/avalanche", Format: "%012d.json"}
	assert.Equal(t, "blocks/avalanche/000000001234.json", src.Key(1234))
}

func TestSourceSpec_Key_WindowTemplate(t *testing.T) {
	src := SourceSpec{Path: "ranges", Format: "%012d-%012d.json"}

	// 1234 lives in the 1000..1999 window
	assert.Equal(t, "ranges/000000001000-000000001999.json", src.Key(1234))
	// window boundaries
	assert.Equal(t, "ranges/000000001000-000000001999.json", src.Key(1000))
	assert.Equal(t, "ranges/000000001000-000000001999.json", src.Key(1999))
	assert.Equal(t, "ranges/000000002000-000000002999.json", src.Key(2000))
}

func TestSourceSpec_Key_EmptyPath(t *testing.T) {
	src := SourceSpec{Path: "", Format: "%d.json"}
	assert.Equal(t, "42.json", src.Key(42))
}

func TestCountVerbs(t *testing.T) {
	assert.Equal(t, 1, countVerbs("%012d.json"))
	assert.Equal(t, 2, countVerbs("%012d-%012d.json"))
	assert.Equal(t, 0, countVerbs("100%%fixed.json"))
}

type fakeStore struct {
	objects map[string][]byte
	errs    map[string]error
	gets    []string
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.gets = append(f.gets, key)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if data, ok := f.objects[key]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrBlockNotFound, key)
}

type fakeRPC struct {
	blocks map[uint64]*domain.BlockRecord
	calls  int
}

func (f *fakeRPC) BlockWithReceipts(_ context.Context, number uint64) (*domain.BlockRecord, error) {
	f.calls++
	if b, ok := f.blocks[number]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: block %d", domain.ErrBlockNotFound, number)
}

func blockJSON(number uint64) []byte {
	return []byte(fmt.Sprintf(`{
		"hash": "0x1111111111111111111111111111111111111111111111111111111111111111",
		"number": "0x%x",
		"timestamp": "0x6553f100",
		"transactions": [],
		"receipts": []
	}`, number))
}

func TestBlockSource_SourceOrder(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"secondary/16.json": blockJSON(16),
	}}
	sources := []SourceSpec{
		{Name: "primary", Path: "primary", Format: "%d.json"},
		{Name: "secondary", Path: "secondary", Format: "%d.json"},
	}
	bs := New(store, sources, &fakeRPC{}, zerolog.Nop())

	rec, err := bs.Fetch(context.Background(), 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), rec.Header.Number)
	assert.Equal(t, []string{"primary/16.json", "secondary/16.json"}, store.gets)
}

func TestBlockSource_RPCFallback(t *testing.T) {
	store := &fakeStore{}
	rpc := &fakeRPC{blocks: map[uint64]*domain.BlockRecord{
		16: {Header: domain.BlockHeader{Number: 16, Timestamp: 100}},
	}}
	bs := New(store, []SourceSpec{{Name: "only", Path: "p", Format: "%d.json"}}, rpc, zerolog.Nop())

	rec, err := bs.Fetch(context.Background(), 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), rec.Header.Number)
	assert.Equal(t, 1, rpc.calls)
}

func TestBlockSource_NonNotFoundSurfaces(t *testing.T) {
	store := &fakeStore{errs: map[string]error{
		"p/16.json": fmt.Errorf("%w: boom", domain.ErrBlockFetch),
	}}
	rpc := &fakeRPC{}
	bs := New(store, []SourceSpec{{Name: "only", Path: "p", Format: "%d.json"}}, rpc, zerolog.Nop())

	_, err := bs.Fetch(context.Background(), 16)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBlockFetch)
	assert.Equal(t, 0, rpc.calls) // no fallback on hard failures
}

func TestBlockSource_WrongBlockInPayload(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"p/16.json": blockJSON(17),
	}}
	bs := New(store, []SourceSpec{{Name: "only", Path: "p", Format: "%d.json"}}, &fakeRPC{}, zerolog.Nop())

	_, err := bs.Fetch(context.Background(), 16)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDecode)
}

func TestBlockSource_NotFoundEverywhere(t *testing.T) {
	bs := New(&fakeStore{}, []SourceSpec{{Name: "only", Path: "p", Format: "%d.json"}}, &fakeRPC{}, zerolog.Nop())

	_, err := bs.Fetch(context.Background(), 16)
	assert.ErrorIs(t, err, domain.ErrBlockNotFound)
}
