package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/lifecycle"
	"voxelstream.ai/internal/sim/voxel"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishKeysByCoord(t *testing.T) {
	fw := &fakeWriter{}
	p := New(fw, "w1", zap.NewNop())
	c := coord.ChunkCoord{X: -1, Y: 3, Z: 9}
	buf := voxel.New()
	p.Publish(12, []lifecycle.Event{
		{Kind: lifecycle.ChunkReady, Coord: c, Data: buf},
		{Kind: lifecycle.ChunkRemoved, Coord: c},
	})
	require.Len(t, fw.msgs, 2)
	require.Equal(t, "-1,3,9", string(fw.msgs[0].Key))

	var r Record
	require.NoError(t, json.Unmarshal(fw.msgs[0].Value, &r))
	require.Equal(t, "w1", r.WorldID)
	require.Equal(t, uint64(12), r.Tick)
	require.Equal(t, lifecycle.ChunkReady, r.Kind)
	require.Equal(t, buf.Digest(), r.Digest)

	require.NoError(t, json.Unmarshal(fw.msgs[1].Value, &r))
	require.Equal(t, lifecycle.ChunkRemoved, r.Kind)

	require.NoError(t, p.Close())
	require.True(t, fw.closed)
}

func TestPublishErrorIsLoggedNotFatal(t *testing.T) {
	fw := &fakeWriter{err: errors.New("broker down")}
	p := New(fw, "w1", zap.NewNop())
	p.Publish(1, []lifecycle.Event{{Kind: lifecycle.ChunkRemoved}})
	p.Publish(2, nil)
	require.Empty(t, fw.msgs)
}

func TestNewWriterDefaultsTopic(t *testing.T) {
	w := NewWriter([]string{"localhost:9092"}, "")
	require.Equal(t, DefaultTopic, w.Topic)
	require.NoError(t, w.Close())
}
