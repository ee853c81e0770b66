package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewBufferPool(t *testing.T) {
	type args struct {
		numBuffers       int
		samplesPerBuffer int
		bytesPerSample   int
	}
	tests := []struct {
		name    string
		args    args
		wantErr bool
	}{
		{name: "sc16", args: args{32, 8192, 4}},
		{name: "sc8", args: args{2, 1024, 2}},
		{name: "no buffers", args: args{0, 1024, 4}, wantErr: true},
		{name: "no samples", args: args{4, 0, 4}, wantErr: true},
		{name: "unknown format", args: args{4, 1024, 0}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewBufferPool(tt.args.numBuffers, tt.args.samplesPerBuffer, tt.args.bytesPerSample)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInval)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.args.numBuffers, p.Len())
			for i, b := range p.Buffers() {
				assert.Equal(t, i, b.Index())
				assert.Len(t, b.Bytes(), tt.args.samplesPerBuffer*tt.args.bytesPerSample)
				assert.Equal(t, BufferFree, b.State())
			}
		})
	}
}

func TestBufferPoolAcquireDistinct(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 64).Draw(t, "numBuffers")
		p, err := NewBufferPool(n, 1024, 4)
		require.NoError(t, err)

		held := map[int]*Buffer{}
		ops := rapid.SliceOfN(rapid.Bool(), 1, 256).Draw(t, "acquire")
		for _, acquire := range ops {
			if acquire {
				b, ok := p.Acquire()
				if len(held) == n {
					require.False(t, ok, "pool handed out more buffers than it has")
					continue
				}
				require.True(t, ok)
				_, dup := held[b.Index()]
				require.False(t, dup, "buffer %d handed out twice", b.Index())
				held[b.Index()] = b
				continue
			}
			for idx, b := range held {
				require.NoError(t, p.Release(b))
				delete(held, idx)
				break
			}
		}

		seen := map[*byte]bool{}
		for _, b := range p.Buffers() {
			first := &b.Bytes()[0]
			require.False(t, seen[first], "buffers share memory")
			seen[first] = true
		}
	})
}

func TestBufferPoolRelease(t *testing.T) {
	p, err := NewBufferPool(2, 1024, 4)
	require.NoError(t, err)
	other, err := NewBufferPool(2, 1024, 4)
	require.NoError(t, err)

	foreign, ok := other.Acquire()
	require.True(t, ok)
	assert.ErrorIs(t, p.Release(foreign), ErrInval)
	assert.ErrorIs(t, p.Release(nil), ErrInval)

	b, ok := p.Acquire()
	require.True(t, ok)
	p.markInFlight(b)
	assert.Equal(t, 1, p.InFlight())
	assert.ErrorIs(t, p.Release(b), ErrInval)

	p.markReady(b)
	require.NoError(t, p.Release(b))
	assert.Equal(t, BufferFree, b.State())
	assert.False(t, p.Owns(foreign))
	assert.True(t, p.Owns(b))
}
