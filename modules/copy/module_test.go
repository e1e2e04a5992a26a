package copy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/pipeline"
	"github.com/vk/assetgrid/internal/sourcedb"
	"github.com/vk/assetgrid/internal/testutil"
)

func TestRegister(t *testing.T) {
	r := pipeline.NewRegistry()
	r.Install(context.Background(), &Module{})
	p, ok := r.ForType("raw")
	require.True(t, ok)
	assert.Equal(t, "copy", p.Name())
	_, ok = r.ForType("text")
	assert.True(t, ok)

	custom := pipeline.NewRegistry()
	custom.Install(context.Background(), &Module{Types: []assetid.TypeID{"shader"}})
	assert.Equal(t, []assetid.TypeID{"shader"}, custom.Types())
}

func TestBuildOutput(t *testing.T) {
	inst := testutil.Asset("greeting", "text")
	testutil.WithBlob(inst, "1-head.txt", []byte("hello "), time.Unix(1, 0))
	testutil.WithBlob(inst, "2-tail.txt", []byte("world"), time.Unix(1, 0))

	p := &Pipeline{types: DefaultTypes}
	out, err := p.BuildOutput(context.Background(), &pipeline.BuildRequest{OutputPath: "greeting", Instance: inst})
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))
	assert.Equal(t, int64(2), inst.Reads())

	_, err = p.BuildOutput(context.Background(), &pipeline.BuildRequest{OutputPath: "synthetic"})
	assert.ErrorContains(t, err, "has no source instance")
}

func TestHashAsset(t *testing.T) {
	p := &Pipeline{types: DefaultTypes}
	a := &sourcedb.Record{Type: "raw", Name: "a", Attrs: map[string]string{"k": "v"}}
	b := &sourcedb.Record{Type: "raw", Name: "a", Attrs: map[string]string{"k": "w"}}
	assert.NotEqual(t, p.HashAsset(a), p.HashAsset(b))
	assert.Equal(t, p.HashAsset(a), p.HashAsset(&sourcedb.Record{Type: "raw", Name: "a", Attrs: map[string]string{"k": "v"}}))
	assert.Zero(t, p.HashAsset(nil))
}
