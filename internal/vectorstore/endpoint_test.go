package vectorstore

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidates(t *testing.T) {
	primary := Endpoint{Host: "localhost", Port: 19530}

	tests := []struct {
		name       string
		alternates []Endpoint
		want       []Endpoint
	}{
		{
			name: "primary only",
			want: []Endpoint{primary},
		},
		{
			name:       "duplicates removed",
			alternates: []Endpoint{primary, {"milvus", 19530}, {"milvus", 19530}, {"127.0.0.1", 19531}},
			want:       []Endpoint{primary, {"milvus", 19530}, {"127.0.0.1", 19531}},
		},
		{
			name:       "order preserved",
			alternates: []Endpoint{{"b", 1}, {"a", 2}},
			want:       []Endpoint{primary, {"b", 1}, {"a", 2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Candidates(primary, tt.alternates)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), len(tt.alternates)+1)
			assert.Equal(t, primary, got[0])
		})
	}
}

func TestCrossProduct(t *testing.T) {
	primary := Endpoint{Host: "localhost", Port: 19530}

	got := CrossProduct(primary, []string{"milvus-standalone", "localhost", ""}, []int{19531, 19530, 0})
	assert.Equal(t, []Endpoint{
		{"localhost", 19531},
		{"milvus-standalone", 19530},
		{"milvus-standalone", 19531},
	}, got)

	assert.Empty(t, CrossProduct(primary, nil, nil))
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "localhost:19530", Endpoint{"localhost", 19530}.String())
	assert.Equal(t, "[::1]:80", Endpoint{"::1", 80}.String())
}

func TestProberRank(t *testing.T) {
	up := map[string]bool{"b:2": true, "d:4": true}
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		if up[address] {
			c1, c2 := net.Pipe()
			_ = c2.Close()
			return c1, nil
		}
		return nil, errRefused
	}
	p := NewProber(ProberConfig{Dial: dial, Timeout: time.Second})

	in := []Endpoint{{"a", 1}, {"b", 2}, {"c", 3}, {"d", 4}}
	r := p.Rank(context.Background(), in)

	assert.Equal(t, []Endpoint{{"b", 2}, {"d", 4}}, r.Available)
	assert.Equal(t, []Endpoint{{"a", 1}, {"c", 3}}, r.Unavailable)
	assert.Equal(t, []Endpoint{{"b", 2}, {"d", 4}, {"a", 1}, {"c", 3}}, r.Ordered())
}

func TestProberRankNothingAvailable(t *testing.T) {
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("no route to host")
	}
	p := NewProber(ProberConfig{Dial: dial})

	in := []Endpoint{{"a", 1}, {"b", 2}}
	r := p.Rank(context.Background(), in)
	assert.Empty(t, r.Available)
	assert.Equal(t, in, r.Ordered())
}

func TestProberRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	p := NewProber(ProberConfig{Timeout: 500 * time.Millisecond})

	assert.True(t, p.Probe(context.Background(), Endpoint{"127.0.0.1", addr.Port}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, p.Probe(ctx, Endpoint{"127.0.0.1", addr.Port}))
}
